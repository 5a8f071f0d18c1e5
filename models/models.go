package models

import (
	"database/sql/driver"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Base model with common fields
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// JSON field type for GORM
type JSON []byte

func (j JSON) Value() (driver.Value, error) {
	if j.IsNull() {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
	case string:
		*j = append((*j)[0:0], v...)
	}
	return nil
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return nil
	}
	*j = append((*j)[0:0], data...)
	return nil
}

func (j JSON) IsNull() bool {
	return len(j) == 0 || string(j) == "null"
}

// Branch model
type Branch struct {
	BaseModel
	NameEn  string `json:"name_en" gorm:"size:255;not null"`
	NameTh  string `json:"name_th" gorm:"size:255;not null"`
	Code    string `json:"code" gorm:"size:50;not null;uniqueIndex"`
	Address string `json:"address" gorm:"size:500"`
	Type    string `json:"type" gorm:"size:50;not null;default:'offline';type:enum('offline','online')"` // offline, online
	Active  bool   `json:"active" gorm:"default:true"`

	// Relationships
	Rooms []Room `json:"rooms,omitempty" gorm:"foreignKey:BranchID"`
}

// Room model
type Room struct {
	BaseModel
	BranchID uint   `json:"branch_id" gorm:"not null;index"`
	RoomName string `json:"room_name" gorm:"size:100;not null"`
	Capacity int    `json:"capacity" gorm:"not null"`
	Status   string `json:"status" gorm:"size:50;not null;default:'available';type:enum('available','occupied','maintenance')"` // available, occupied, maintenance
}

// Holiday วันหยุด (ทั้งประเทศ หรือ เฉพาะสาขา)
type Holiday struct {
	BaseModel
	Date   time.Time `json:"date" gorm:"type:date;not null;index"`
	Name   string    `json:"name" gorm:"size:255;not null"`
	Scope  string    `json:"scope" gorm:"size:20;not null;default:'national';type:enum('national','branch')"` // national, branch
	Source string    `json:"source" gorm:"size:20;not null;default:'manual';type:enum('manual','myhora','import')"`

	// Relationships
	Branches []HolidayBranch `json:"branches,omitempty" gorm:"foreignKey:HolidayID"`
}

// HolidayBranch ผูกวันหยุดสาขากับสาขาที่ปิด
type HolidayBranch struct {
	ID        uint `json:"id" gorm:"primaryKey"`
	HolidayID uint `json:"holiday_id" gorm:"not null;uniqueIndex:idx_holiday_branch"`
	BranchID  uint `json:"branch_id" gorm:"not null;uniqueIndex:idx_holiday_branch"`
}

// SessionTimeSlot overrides the class time for one weekday
type SessionTimeSlot struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type Schedules struct {
	BaseModel
	BranchID         uint   `json:"branch_id" gorm:"not null;index"`
	ScheduleName     string `json:"schedule_name" gorm:"size:100;not null"`
	ScheduleType     string `json:"schedule_type" gorm:"size:50;default:'class';type:enum('class','event','appointment')"`
	DefaultRoomID    *uint  `json:"default_room_id"`
	DefaultTeacherID *uint  `json:"default_teacher_id"`
	// [1,3] = จันทร์, พุธ
	Days_of_week datatypes.JSONSlice[int] `json:"days_of_week" gorm:"type:json"`
	// {"6":{"start_time":"09:00","end_time":"11:00"}} เวลาเฉพาะวัน
	Session_times           datatypes.JSONType[map[string]SessionTimeSlot] `json:"session_times" gorm:"type:json"`
	Start_time              string                                         `json:"start_time" gorm:"size:5"` // HH:MM
	End_time                string                                         `json:"end_time" gorm:"size:5"`
	Target_session_count    int                                            `json:"target_session_count"`
	Total_hours             int                                            `json:"total_hours"`
	Hours_per_session       int                                            `json:"hours_per_session"`
	Start_date              time.Time                                      `json:"start_date" gorm:"type:date"`
	Estimated_end_date      *time.Time                                     `json:"estimated_end_date" gorm:"type:date"`
	Status                  string                                         `json:"status" gorm:"size:50;default:'scheduled';type:enum('scheduled','paused','completed','cancelled','assigned')"` // scheduled, assigned, paused, completed, cancelled
	Auto_Reschedule_holiday bool                                           `json:"auto_reschedule" gorm:"default:true"`
	Notes                   string                                         `json:"notes" gorm:"type:text"`

	// Relationships
	Branch   Branch              `json:"branch,omitempty" gorm:"foreignKey:BranchID"`
	Sessions []Schedule_Sessions `json:"sessions,omitempty" gorm:"foreignKey:ScheduleID"`
}

type Schedule_Sessions struct {
	ScheduleID        uint       `json:"schedule_id" gorm:"not null;index"`
	Session_date      *time.Time `json:"session_date" gorm:"type:date;index"`
	Start_time        *time.Time `json:"start_time"`
	End_time          *time.Time `json:"end_time"`
	Session_number    int        `json:"session_number" gorm:"not null"`
	Week_number       int        `json:"week_number" gorm:"not null"`
	Status            string     `json:"status" gorm:"size:50;default:'scheduled';type:enum('scheduled','confirmed','pending','completed','cancelled','rescheduled','no-show')"` // scheduled, confirmed, pending, completed, cancelled, rescheduled, no-show
	Cancelling_Reason string     `json:"cancelling_reason" gorm:"type:text"`
	Is_makeup         bool       `json:"is_makeup" gorm:"default:false"` //เป็นชดเชยไหม
	// Use a nullable foreign key so normal sessions insert NULL instead of 0
	Makeup_for_session_id *uint  `json:"makeup_for_session_id" gorm:"default:null"` // ชดเชยให้กับ Session ID ไหน
	AssignedTeacherID     *uint  `json:"assigned_teacher_id"`
	RoomID                *uint  `json:"room_id"`
	Notes                 string `json:"notes" gorm:"type:text"`
	BaseModel
}

// TrialSession คลาสทดลองเรียน ไม่ผูกกับคอร์ส
type TrialSession struct {
	BaseModel
	BranchID      uint       `json:"branch_id" gorm:"not null;index"`
	RoomID        *uint      `json:"room_id"`
	TeacherID     *uint      `json:"teacher_id"`
	Session_date  *time.Time `json:"session_date" gorm:"type:date;index"`
	Start_time    *time.Time `json:"start_time"`
	End_time      *time.Time `json:"end_time"`
	Status        string     `json:"status" gorm:"size:20;default:'booked';type:enum('booked','cancelled','done')"`
	StudentName   string     `json:"student_name" gorm:"size:200"`
	ContactPhone  string     `json:"contact_phone" gorm:"size:20"`
	ReferenceCode string     `json:"reference_code" gorm:"size:36;uniqueIndex"`
	Notes         string     `json:"notes" gorm:"type:text"`
}

// RescheduleRun records one bulk regeneration
type RescheduleRun struct {
	BaseModel
	RunID          string     `json:"run_id" gorm:"size:36;not null;uniqueIndex"`
	Trigger        string     `json:"trigger" gorm:"size:50;not null"` // manual, cron, holiday
	StartedAt      time.Time  `json:"started_at" gorm:"not null"`
	FinishedAt     *time.Time `json:"finished_at"`
	ProcessedCount int        `json:"processed_count"`
	FailedCount    int        `json:"failed_count"`
	SkippedCount   int        `json:"skipped_count"`
	Status         string     `json:"status" gorm:"size:50;not null;default:'running';type:enum('running','completed','failed')"` // running, completed, failed
	S3Key          string     `json:"s3_key" gorm:"size:500"`
	Errors         JSON       `json:"errors" gorm:"type:json"`
}

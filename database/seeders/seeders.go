package seeders

import (
	"fmt"

	"englishkorat_scheduler/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SeedAll inserts the branches and rooms a fresh install needs. Tables that already
// have rows are left alone.
func SeedAll(db *gorm.DB) error {
	logrus.Info("Starting database seeding")
	if err := SeedBranches(db); err != nil {
		return err
	}
	if err := SeedRooms(db); err != nil {
		return err
	}
	logrus.Info("Database seeding completed")
	return nil
}

func SeedBranches(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.Branch{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		logrus.Info("Branches already seeded, skipping")
		return nil
	}

	branches := []models.Branch{
		{BaseModel: models.BaseModel{ID: 1}, NameEn: "Branch 1 The Mall Branch", NameTh: "สาขา 1 เดอะมอลล์โคราช", Code: "MALL", Address: "The Mall Korat, Nakhon Ratchasima", Type: "offline", Active: true},
		{BaseModel: models.BaseModel{ID: 2}, NameEn: "Branch 2 Technology Branch", NameTh: "สาขา 2 มหาวิทยาลัยเทคโนโลยีราชมงคลอีสาน", Code: "RMUTI", Address: "RMUTI, Nakhon Ratchasima", Type: "offline", Active: true},
		{BaseModel: models.BaseModel{ID: 3}, NameEn: "Online Branch", NameTh: "แบบออนไลน์", Code: "ONLINE", Type: "online", Active: true},
	}
	if err := db.Create(&branches).Error; err != nil {
		return fmt.Errorf("seed branches: %w", err)
	}
	return nil
}

func SeedRooms(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.Room{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		logrus.Info("Rooms already seeded, skipping")
		return nil
	}

	rooms := []models.Room{
		{BranchID: 1, RoomName: "Room A1", Capacity: 8, Status: "available"},
		{BranchID: 1, RoomName: "Room A2", Capacity: 6, Status: "available"},
		{BranchID: 2, RoomName: "Room B1", Capacity: 10, Status: "available"},
		{BranchID: 3, RoomName: "Virtual Room 1", Capacity: 20, Status: "available"},
	}
	if err := db.Create(&rooms).Error; err != nil {
		return fmt.Errorf("seed rooms: %w", err)
	}
	return nil
}

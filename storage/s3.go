package storage

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"englishkorat_scheduler/services/scheduling"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// ObjectStore is the part of the S3 client the archive uses.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ReportArchive stores bulk reschedule reports in S3 as zip files.
type ReportArchive struct {
	client ObjectStore
	bucket string
}

// RunSummary is the run metadata written next to the outcomes.
type RunSummary struct {
	RunID          string    `json:"run_id"`
	Trigger        string    `json:"trigger"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	ProcessedCount int       `json:"processed_count"`
	FailedCount    int       `json:"failed_count"`
	SkippedCount   int       `json:"skipped_count"`
}

// NewReportArchive loads the default AWS config for region. A nil archive is
// returned with the error when no bucket is configured.
func NewReportArchive(ctx context.Context, region, bucket string) (*ReportArchive, error) {
	if bucket == "" {
		return nil, fmt.Errorf("S3 bucket not configured")
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewReportArchiveWithClient(s3.NewFromConfig(cfg), bucket), nil
}

func NewReportArchiveWithClient(client ObjectStore, bucket string) *ReportArchive {
	return &ReportArchive{client: client, bucket: bucket}
}

// ReportKey is reports/reschedule/YYYY/MM/<run id>.zip
func ReportKey(summary RunSummary) string {
	return fmt.Sprintf("reports/reschedule/%d/%02d/%s.zip",
		summary.StartedAt.Year(),
		summary.StartedAt.Month(),
		summary.RunID,
	)
}

// Upload writes the run's archive and returns its key.
func (a *ReportArchive) Upload(ctx context.Context, summary RunSummary, report scheduling.RescheduleReport) (string, error) {
	buf, err := BuildReportZip(summary, report)
	if err != nil {
		return "", err
	}

	key := ReportKey(summary)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("upload report to S3: %w", err)
	}

	logrus.WithFields(logrus.Fields{"key": key, "bytes": buf.Len()}).Info("Reschedule report archived")
	return key, nil
}

// Download streams an archived report. The caller closes the reader.
func (a *ReportArchive) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download report from S3: %w", err)
	}
	return out.Body, nil
}

// BuildReportZip packs report.json, metadata.json and outcomes.csv.
func BuildReportZip(summary RunSummary, report scheduling.RescheduleReport) (*bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	zipWriter := zip.NewWriter(buf)

	reportFile, err := zipWriter.Create("report.json")
	if err != nil {
		return nil, fmt.Errorf("create report.json in zip: %w", err)
	}
	encoder := json.NewEncoder(reportFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}

	metadataFile, err := zipWriter.Create("metadata.json")
	if err != nil {
		return nil, fmt.Errorf("create metadata.json in zip: %w", err)
	}
	metadata := map[string]any{
		"run":            summary,
		"outcome_count":  len(report.Outcomes),
		"schema_version": "1.0",
		"description":    "English Korat bulk reschedule report",
	}
	if err := json.NewEncoder(metadataFile).Encode(metadata); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	csvFile, err := zipWriter.Create("outcomes.csv")
	if err != nil {
		return nil, fmt.Errorf("create outcomes.csv in zip: %w", err)
	}
	if err := writeOutcomesCSV(csvFile, report.Outcomes); err != nil {
		return nil, err
	}

	if err := zipWriter.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	return buf, nil
}

func writeOutcomesCSV(w io.Writer, outcomes []scheduling.ClassOutcome) error {
	cw := csv.NewWriter(w)
	header := []string{"Class ID", "Class", "Status", "Preserved", "Sessions", "End Date", "Error Code", "Error"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, o := range outcomes {
		endDate := ""
		if o.EndDate != nil {
			endDate = o.EndDate.Format("2006-01-02")
		}
		row := []string{
			strconv.FormatUint(uint64(o.ClassID), 10),
			o.Name,
			string(o.Status),
			strconv.Itoa(o.PreservedCount),
			strconv.Itoa(o.SessionCount),
			endDate,
			string(o.ErrorCode),
			o.Error,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

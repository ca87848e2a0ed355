package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vshub/backend/internal/models"
	"github.com/vshub/backend/internal/storage"
	"github.com/vshub/backend/internal/vault"
	"github.com/vshub/backend/pkg/logger"
	"gorm.io/gorm"
)

type AuditEntry struct {
	EventType string
	Actor     string
	Target    string
	IPAddress string
	UserAgent string
	Details   map[string]interface{}
}

// AuditService appends security events through a bounded queue. Delivery is
// at-most-once: a full queue drops the event with a warning, a failed insert
// is logged and swallowed. Audit writes never block or fail the
// authentication path that produced them.
type AuditService struct {
	DB      *gorm.DB
	Vault   *vault.Vault
	Storage *storage.MinIOClient
	queue   chan models.AuditEvent
}

func NewAuditService(db *gorm.DB, v *vault.Vault, storageClient *storage.MinIOClient) *AuditService {
	s := &AuditService{
		DB:      db,
		Vault:   v,
		Storage: storageClient,
		queue:   make(chan models.AuditEvent, 1000),
	}
	go s.processQueue()
	return s
}

// Record enqueues a security event. The IP is encrypted when a vault key is
// configured; without one it is stored as-is, since IP capture is best-effort
// context rather than a hard security boundary like the TOTP seed.
func (s *AuditService) Record(entry AuditEntry) {
	row := models.AuditEvent{
		EventType: entry.EventType,
		Actor:     entry.Actor,
		Target:    entry.Target,
		IPAddress: s.Vault.EncryptOrPlaintext(entry.IPAddress),
		UserAgent: entry.UserAgent,
		Details:   entry.Details,
		CreatedAt: time.Now().UTC(),
	}

	select {
	case s.queue <- row:
	default:
		logger.Warn("audit_queue_full", map[string]interface{}{
			"event_type": entry.EventType,
			"dropped":    true,
		})
	}
}

func (s *AuditService) processQueue() {
	for row := range s.queue {
		if err := s.DB.Create(&row).Error; err != nil {
			logger.Error("audit_event_insert_failed", err, map[string]interface{}{
				"event_type": row.EventType,
			})
		}
	}
}

// StartExporter runs a background goroutine that periodically exports new
// audit event rows to object storage as NDJSON files.
func (s *AuditService) StartExporter(interval time.Duration) {
	if s.Storage == nil {
		logger.Info("audit_exporter_disabled", map[string]interface{}{
			"reason": "no storage client configured",
		})
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			s.export()
		}
	}()

	logger.Info("audit_exporter_started", map[string]interface{}{
		"interval": interval.String(),
	})
}

func (s *AuditService) export() {
	var cursor models.AuditExportCursor
	err := s.DB.First(&cursor).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			cursor = models.AuditExportCursor{
				LastExportAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
			}
			if createErr := s.DB.Create(&cursor).Error; createErr != nil {
				logger.Error("audit_export_cursor_create_failed", createErr, nil)
				return
			}
		} else {
			logger.Error("audit_export_cursor_load_failed", err, nil)
			return
		}
	}

	var events []models.AuditEvent
	if err := s.DB.Where("created_at > ?", cursor.LastExportAt).
		Order("created_at ASC").
		Limit(10000).
		Find(&events).Error; err != nil {
		logger.Error("audit_export_query_failed", err, nil)
		return
	}

	if len(events) == 0 {
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			logger.Error("audit_export_encode_failed", err, map[string]interface{}{
				"event_id": event.ID.String(),
			})
			continue
		}
	}

	now := time.Now().UTC()
	objectName := fmt.Sprintf("audit-events/%s/%s.ndjson",
		now.Format("2006/01/02"),
		now.Format("15-04-05"),
	)

	if err := s.Storage.Upload(
		context.Background(),
		objectName,
		&buf,
		int64(buf.Len()),
		"application/x-ndjson",
	); err != nil {
		logger.Error("audit_export_upload_failed", err, map[string]interface{}{
			"object_name": objectName,
			"count":       len(events),
		})
		return
	}

	lastCreatedAt := events[len(events)-1].CreatedAt
	s.DB.Model(&cursor).Updates(map[string]interface{}{
		"last_export_at": lastCreatedAt,
		"exported_count": gorm.Expr("exported_count + ?", len(events)),
	})

	logger.Info("audit_export_success", map[string]interface{}{
		"object_name": objectName,
		"count":       len(events),
	})
}

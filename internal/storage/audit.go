package storage

import (
	"context"
	"encoding/json"
	"log/slog"

	"boundary-soar/internal/correlation"
	"boundary-soar/internal/incident"
	"boundary-soar/internal/response"
	"boundary-soar/internal/signal"
)

// RecordWriter accepts audit records. *BatchWriter implements it.
type RecordWriter interface {
	Write(rec Record) error
}

// AuditSink turns domain notifications into audit records.
type AuditSink struct {
	w RecordWriter
}

// NewAuditSink creates an AuditSink writing to w.
func NewAuditSink(w RecordWriter) *AuditSink {
	return &AuditSink{w: w}
}

// IncidentHandler records every incident lifecycle event.
func (s *AuditSink) IncidentHandler() incident.Handler {
	return func(_ context.Context, event string, inc *incident.Incident) {
		subject := inc.IPAddress
		if subject == "" {
			subject = inc.UserID
		}
		s.write(Record{
			Table:      TableIncidentEvents,
			ID:         inc.ID,
			Event:      event,
			Status:     string(inc.Status),
			Severity:   string(inc.Severity),
			Subject:    subject,
			OccurredAt: inc.Timestamp,
		}, inc)
	}
}

// CorrelationHandler records every correlation the engine emits.
func (s *AuditSink) CorrelationHandler() correlation.Handler {
	return func(_ context.Context, c *correlation.Correlation) {
		subject := ""
		switch {
		case len(c.RelatedEntities.IPAddresses) > 0:
			subject = c.RelatedEntities.IPAddresses[0]
		case len(c.RelatedEntities.UserIDs) > 0:
			subject = c.RelatedEntities.UserIDs[0]
		}
		status := "open"
		if c.IncidentID != "" {
			status = "incident"
		}
		s.write(Record{
			Table:      TableCorrelations,
			ID:         c.ID,
			Event:      c.RuleID,
			Status:     status,
			Severity:   string(c.Severity),
			Subject:    subject,
			OccurredAt: c.LastUpdated,
		}, c)
	}
}

// ExecutionListener records every execution state change.
func (s *AuditSink) ExecutionListener() response.ExecutionListener {
	return func(_ context.Context, exec *response.Execution) {
		occurred := exec.CreatedAt
		switch {
		case exec.RolledBackAt != nil:
			occurred = *exec.RolledBackAt
		case exec.ExecutedAt != nil:
			occurred = *exec.ExecutedAt
		}
		s.write(Record{
			Table:      TableResponseExecutions,
			ID:         exec.ID,
			Event:      string(exec.Action),
			Status:     string(exec.Status),
			Subject:    subjectOf(exec.Signal),
			OccurredAt: occurred,
		}, exec)
	}
}

func (s *AuditSink) write(rec Record, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to encode audit record", "table", rec.Table, "id", rec.ID, "error", err)
		return
	}
	rec.Payload = string(data)
	if err := s.w.Write(rec); err != nil {
		slog.Warn("failed to write audit record", "table", rec.Table, "id", rec.ID, "error", err)
	}
}

func subjectOf(sig signal.ThreatSignal) string {
	switch {
	case sig.IPAddress != "":
		return sig.IPAddress
	case sig.UserID != "":
		return sig.UserID
	default:
		return sig.SessionID
	}
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"boundary-soar/internal/correlation"
	"boundary-soar/internal/incident"
	"boundary-soar/internal/response"
	"boundary-soar/internal/signal"
)

type recordingWriter struct {
	records []Record
	err     error
}

func (w *recordingWriter) Write(rec Record) error {
	if w.err != nil {
		return w.err
	}
	w.records = append(w.records, rec)
	return nil
}

func TestAuditSink(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	executed := at.Add(time.Minute)
	ctx := context.Background()

	tests := []struct {
		name string
		emit func(*AuditSink)
		want Record
	}{
		{
			name: "incident",
			emit: func(s *AuditSink) {
				s.IncidentHandler()(ctx, "created", &incident.Incident{
					ID: "inc-1", Status: incident.StatusNew, Severity: incident.SeverityHigh,
					UserID: "user-1", Timestamp: at,
				})
			},
			want: Record{
				Table: TableIncidentEvents, ID: "inc-1", Event: "created",
				Status: "new", Severity: "high", Subject: "user-1", OccurredAt: at,
			},
		},
		{
			name: "correlation",
			emit: func(s *AuditSink) {
				s.CorrelationHandler()(ctx, &correlation.Correlation{
					ID: "cor-1", RuleID: "distributed_attack_campaign", Severity: incident.SeverityCritical,
					RelatedEntities: correlation.RelatedEntities{IPAddresses: []string{"1.1.1.1"}},
					IncidentID:      "inc-1", LastUpdated: at,
				})
			},
			want: Record{
				Table: TableCorrelations, ID: "cor-1", Event: "distributed_attack_campaign",
				Status: "incident", Severity: "critical", Subject: "1.1.1.1", OccurredAt: at,
			},
		},
		{
			name: "execution",
			emit: func(s *AuditSink) {
				s.ExecutionListener()(ctx, &response.Execution{
					ID: "exe-1", Action: response.ActionBlockIP, Status: response.StatusExecuted,
					Signal:    signal.ThreatSignal{SessionID: "sess-9"},
					CreatedAt: at, ExecutedAt: &executed,
				})
			},
			want: Record{
				Table: TableResponseExecutions, ID: "exe-1", Event: "block_ip",
				Status: "executed", Subject: "sess-9", OccurredAt: executed,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &recordingWriter{}
			tt.emit(NewAuditSink(w))

			if len(w.records) != 1 {
				t.Fatalf("records = %d, want 1", len(w.records))
			}
			got := w.records[0]
			if !json.Valid([]byte(got.Payload)) {
				t.Errorf("Payload is not JSON: %q", got.Payload)
			}
			got.Payload = ""
			if got != tt.want {
				t.Errorf("record = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAuditSink_WriteErrorIsLogged(t *testing.T) {
	w := &recordingWriter{err: errors.New("closed")}
	sink := NewAuditSink(w)

	// must not panic
	sink.CorrelationHandler()(context.Background(), &correlation.Correlation{ID: "cor-1"})
	if len(w.records) != 0 {
		t.Errorf("records = %d, want 0", len(w.records))
	}
}

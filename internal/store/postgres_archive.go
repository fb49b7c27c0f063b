package store

import (
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"

	"github.com/example/instant-dispatch/internal/models"
)

// PostgresArchiver writes terminal dispatch requests and bookings to Postgres.
// It is the durable persistence collaborator; in-flight state lives in the
// memory store.
type PostgresArchiver struct {
	db *sql.DB
}

func NewPostgresArchiver(dsn string) (*PostgresArchiver, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresArchiver{db: db}, nil
}

func (p *PostgresArchiver) ArchiveRequest(r *models.DispatchRequest) error {
	offers, _ := json.Marshal(r.Offers)
	_, err := p.db.Exec(`INSERT INTO dispatch_requests(id, requester_id, origin_lat, origin_lon, category, urgency, max_budget, state, offers, assigned_worker_id, created_at, updated_at, completed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET state=EXCLUDED.state, offers=EXCLUDED.offers, assigned_worker_id=EXCLUDED.assigned_worker_id, updated_at=EXCLUDED.updated_at, completed_at=EXCLUDED.completed_at`,
		r.ID, r.RequesterID, r.Origin.Lat, r.Origin.Lon, r.Category, string(r.Urgency), r.MaxBudget, string(r.State), offers, nullable(r.AssignedWorkerID), r.CreatedAt, r.UpdatedAt, r.CompletedAt)
	return err
}

func (p *PostgresArchiver) SaveBooking(b *models.Booking) error {
	_, err := p.db.Exec(`INSERT INTO bookings(id, request_id, requester_id, worker_id, eta_minutes, payment_intent_id, created_at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		b.ID, b.RequestID, b.RequesterID, b.WorkerID, b.EtaMinutes, nullable(b.PaymentIntentID), b.CreatedAt)
	return err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Package deliverydb stores the outcome of deliveries, one record per
// destination domain of a message.
package deliverydb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/sendmx/mlog"
	"github.com/mjl-/sendmx/mxvar"
)

var timeNow = time.Now // Tests override this.

// Delivery is the result of one SMTP session, for the recipients of a single
// domain.
type Delivery struct {
	ID         int64
	Time       time.Time `bstore:"nonzero,index"`
	MessageID  string    // Without <>.
	From       string
	Domain     string `bstore:"index"`
	Recipients []string
	Host       string // Mail server that was connected to, if any.
	Success    bool
	Response   string // Final reply text from the server.
	Permanent  bool   // For failures, whether retrying is pointless.
	Code       int    // SMTP reply code for SMTP-level failures.
	Error      string
	Duration   time.Duration
}

// DBTypes are the types stored in the database.
var DBTypes = []any{Delivery{}}

// ErrInvalid is returned when adding a delivery that cannot be stored.
var ErrInvalid = errors.New("deliverydb: invalid delivery")

// DB is an opened delivery database.
type DB struct {
	db  *bstore.DB
	log mlog.Log
}

// Open opens the database at path, creating it and its directory if needed.
func Open(ctx context.Context, elog *slog.Logger, path string) (*DB, error) {
	log := mlog.New("deliverydb", elog)
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, fmt.Errorf("creating directory for database: %w", err)
	}
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: mxvar.RegisterLogger(path, log.Logger)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open delivery database: %w", err)
	}
	return &DB{db, log}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Add stores deliveries in a single transaction. Deliveries without time get
// the current time. IDs are assigned.
func (d *DB) Add(ctx context.Context, deliveries ...*Delivery) error {
	for _, dl := range deliveries {
		if dl.Domain == "" {
			return fmt.Errorf("%w: missing domain", ErrInvalid)
		}
		if dl.Time.IsZero() {
			dl.Time = timeNow()
		}
	}
	err := d.db.Write(ctx, func(tx *bstore.Tx) error {
		for _, dl := range deliveries {
			if err := tx.Insert(dl); err != nil {
				return fmt.Errorf("inserting delivery: %w", err)
			}
		}
		return nil
	})
	if err == nil {
		d.log.Debug("deliveries added", slog.Int("count", len(deliveries)))
	}
	return err
}

// Filter selects deliveries to list. Zero values match everything.
type Filter struct {
	Domain string
	Since  time.Time
	Failed bool // Only deliveries that did not succeed.
	Limit  int
}

// List returns deliveries matching filter, most recent first.
func (d *DB) List(ctx context.Context, filter Filter) ([]Delivery, error) {
	q := bstore.QueryDB[Delivery](ctx, d.db)
	if filter.Domain != "" {
		q.FilterNonzero(Delivery{Domain: filter.Domain})
	}
	if !filter.Since.IsZero() {
		q.FilterGreaterEqual("Time", filter.Since)
	}
	if filter.Failed {
		q.FilterEqual("Success", false)
	}
	q.SortDesc("Time", "ID")
	if filter.Limit > 0 {
		q.Limit(filter.Limit)
	}
	l, err := q.List()
	if err != nil {
		return nil, fmt.Errorf("listing deliveries: %w", err)
	}
	return l, nil
}

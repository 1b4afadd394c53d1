// Package store provides a PostgreSQL-backed icesmtp.Storage
// implementation. Each Store call commits one envelope row and its
// recipient rows in a single transaction: either all rows exist after
// commit, or none do.
package store

import (
	"context"
	"io"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/icesmtpd/icesmtpd"
	"github.com/icesmtpd/icesmtpd/dbpool"
)

// RecipientKind distinguishes how a recipient was accepted. RCPT TO
// carries no envelope-level distinction between To/Cc/Bcc — those are
// header-level conventions the client encodes in the message body —
// so every persisted recipient row uses KindTo.
const KindTo = "TO"

// PostgresStorage persists envelopes via a leased dbpool connection.
type PostgresStorage struct {
	pool   *dbpool.Pool
	logger icesmtp.Logger
}

// New creates a PostgresStorage backed by pool.
func New(pool *dbpool.Pool, logger icesmtp.Logger) *PostgresStorage {
	if logger == nil {
		logger = icesmtp.NullLogger{}
	}
	return &PostgresStorage{pool: pool, logger: logger}
}

var _ icesmtp.Storage = (*PostgresStorage)(nil)

// Store persists a finalized envelope and its recipients transactionally.
func (s *PostgresStorage) Store(ctx context.Context, envelope icesmtp.Envelope) (icesmtp.StorageReceipt, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return icesmtp.StorageReceipt{}, &icesmtp.StorageError{
			Operation: icesmtp.StorageOpStore,
			EnvelopeID: envelope.ID(),
			Cause:     err,
			Retryable: true,
			Message:   "failed to acquire database connection",
		}
	}
	defer s.pool.Release(conn)

	tx, err := conn.Raw().Begin(ctx)
	if err != nil {
		conn.MarkBroken()
		return icesmtp.StorageReceipt{}, &icesmtp.StorageError{
			Operation:  icesmtp.StorageOpStore,
			EnvelopeID: envelope.ID(),
			Cause:      err,
			Retryable:  true,
			Message:    "failed to begin transaction",
		}
	}

	receipt, err := commitEnvelope(ctx, tx, envelope)
	if err != nil {
		_ = tx.Rollback(ctx)
		return icesmtp.StorageReceipt{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return icesmtp.StorageReceipt{}, &icesmtp.StorageError{
			Operation:  icesmtp.StorageOpStore,
			EnvelopeID: envelope.ID(),
			Cause:      err,
			Retryable:  true,
			Message:    "failed to commit transaction",
		}
	}

	receipt.StoredAt = time.Now().Unix()

	s.logger.Debug(ctx, "envelope stored",
		icesmtp.Attr("envelope_id", envelope.ID()),
		icesmtp.Attr("recipients", envelope.RecipientCount()))

	return receipt, nil
}

// StoreStream persists an envelope whose data is provided via a reader.
// The reader is read to the end and its bytes are discarded; the stored
// body is envelope.Data(), written through the same transactional path
// as Store — the teacher's streaming DataWriter already buffers
// accumulated DATA into the envelope, so there is nothing to stream
// incrementally into the database; PostgreSQL text columns are not the
// right place for chunked writes here.
func (s *PostgresStorage) StoreStream(ctx context.Context, envelope icesmtp.Envelope, data io.Reader) (icesmtp.StorageReceipt, error) {
	if _, err := io.Copy(io.Discard, data); err != nil {
		return icesmtp.StorageReceipt{}, errors.Wrap(err, "store: draining stream")
	}
	return s.Store(ctx, envelope)
}

// Healthy reports whether the backing pool can serve a connection.
func (s *PostgresStorage) Healthy(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "store: health check")
	}
	defer s.pool.Release(conn)
	return nil
}

func commitEnvelope(ctx context.Context, tx pgx.Tx, envelope icesmtp.Envelope) (icesmtp.StorageReceipt, error) {
	var envelopeRowID string

	err := tx.QueryRow(ctx, `
		INSERT INTO envelopes (id, sender, subject, raw_body, message_id, date_header, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`,
		envelope.ID(),
		envelope.MailFrom().Address,
		envelope.Subject(),
		envelope.Data(),
		envelope.MessageIDHeader(),
		envelope.DateHeader(),
		envelope.ReceivedAt(),
	).Scan(&envelopeRowID)
	if err != nil {
		return icesmtp.StorageReceipt{}, &icesmtp.StorageError{
			Operation:  icesmtp.StorageOpStore,
			EnvelopeID: envelope.ID(),
			Cause:      err,
			Retryable:  false,
			Message:    "failed to insert envelope",
		}
	}

	for _, recipient := range envelope.Recipients() {
		if _, err := tx.Exec(ctx, `
			INSERT INTO envelope_recipients (envelope_id, address, kind)
			VALUES ($1, $2, $3)
		`, envelopeRowID, recipient.Address, KindTo); err != nil {
			return icesmtp.StorageReceipt{}, &icesmtp.StorageError{
				Operation:  icesmtp.StorageOpStore,
				EnvelopeID: envelope.ID(),
				Cause:      err,
				Retryable:  false,
				Message:    "failed to insert recipient",
			}
		}
	}

	return icesmtp.StorageReceipt{
		MessageID:    envelopeRowID,
		EnvelopeID:   envelope.ID(),
		BytesWritten: envelope.DataSize(),
	}, nil
}

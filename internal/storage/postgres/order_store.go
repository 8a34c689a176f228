package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

const orderColumns = `
	id, status, assigned_worker_id, change_version, acknowledged_change_version,
	sync_state, last_error, completion_start, completion_end, completion_notes,
	remote_call, revision, updated_at`

type orderStore struct {
	db *sql.DB
}

// NewOrderStore создаёт PostgreSQL-реализацию локального хранилища заявок агента.
func NewOrderStore(store *Store) domain.OrderStore {
	return &orderStore{db: store.DB()}
}

// callRow хранится в JSONB-колонке outstanding_call.
type callRow struct {
	Seq                  uint64          `json:"seq"`
	Action               string          `json:"action"`
	TargetStatus         string          `json:"target_status,omitempty"`
	RequestedBy          string          `json:"requested_by"`
	PrevStatus           string          `json:"prev_status"`
	PrevAssignedWorkerID string          `json:"prev_assigned_worker_id,omitempty"`
	PrevAckVersion       int64           `json:"prev_ack_version"`
	BaseChangeVersion    int64           `json:"base_change_version"`
	Payload              *completionJSON `json:"payload,omitempty"`
	IdempotencyKey       string          `json:"idempotency_key"`
	Attempt              int             `json:"attempt"`
	IssuedAt             time.Time       `json:"issued_at"`
}

type completionJSON struct {
	Start decimal.Decimal `json:"start"`
	End   decimal.Decimal `json:"end"`
	Notes string          `json:"notes,omitempty"`
}

func (r *orderStore) Create(order domain.OrderRecord) error {
	if order.ID == "" {
		return domain.ErrOrderIDRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	args, err := orderArgs(order)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO fuel_orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderAlreadyExists
		}
		return fmt.Errorf("insert fuel order: %w", err)
	}

	return nil
}

func (r *orderStore) Get(id string) (domain.OrderRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM fuel_orders
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.OrderRecord{}, domain.ErrOrderNotFound
		}
		return domain.OrderRecord{}, fmt.Errorf("select fuel order: %w", err)
	}

	return order, nil
}

func (r *orderStore) ListForWorker(workerID string) ([]domain.OrderRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM fuel_orders
		WHERE assigned_worker_id = '' OR assigned_worker_id = $1
		ORDER BY id ASC
	`, workerID)
	if err != nil {
		return nil, fmt.Errorf("list fuel orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.OrderRecord, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fuel order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fuel order rows: %w", err)
	}

	return orders, nil
}

// Save обновляет запись, если её revision не изменилась с момента чтения.
func (r *orderStore) Save(order domain.OrderRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	args, err := orderArgs(order)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE fuel_orders
		SET status = $2,
		    assigned_worker_id = $3,
		    change_version = $4,
		    acknowledged_change_version = $5,
		    sync_state = $6,
		    last_error = $7,
		    completion_start = $8,
		    completion_end = $9,
		    completion_notes = $10,
		    remote_call = $11,
		    revision = revision + 1,
		    updated_at = $13
		WHERE id = $1
		  AND revision = $12
	`, args...)
	if err != nil {
		return fmt.Errorf("update fuel order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.orderExists(ctx, order.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrOrderRevisionConflict
	}

	return nil
}

func (r *orderStore) Delete(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM fuel_orders WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete fuel order: %w", err)
	}
	return nil
}

func (r *orderStore) orderExists(ctx context.Context, orderID string) (bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM fuel_orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check fuel order exists: %w", err)
}

// orderArgs раскладывает запись по колонкам в порядке orderColumns.
func orderArgs(order domain.OrderRecord) ([]any, error) {
	var (
		start, end decimal.NullDecimal
		notes      sql.NullString
	)
	if order.Completion != nil {
		start = decimal.NewNullDecimal(order.Completion.StartMeterReading)
		end = decimal.NewNullDecimal(order.Completion.EndMeterReading)
		notes = sql.NullString{String: order.Completion.Notes, Valid: true}
	}

	call, err := encodeCall(order.Call)
	if err != nil {
		return nil, err
	}

	updatedAt := order.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	return []any{
		order.ID,
		string(order.Status),
		order.AssignedWorkerID,
		order.ChangeVersion,
		order.AcknowledgedChangeVersion,
		string(order.SyncState),
		order.LastError,
		start,
		end,
		notes,
		call,
		order.Revision,
		updatedAt,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.OrderRecord, error) {
	var (
		order         domain.OrderRecord
		status, state string
		start, end    decimal.NullDecimal
		notes         sql.NullString
		rawCall       []byte
	)
	if err := row.Scan(
		&order.ID, &status, &order.AssignedWorkerID, &order.ChangeVersion, &order.AcknowledgedChangeVersion,
		&state, &order.LastError, &start, &end, &notes,
		&rawCall, &order.Revision, &order.UpdatedAt,
	); err != nil {
		return domain.OrderRecord{}, err
	}

	order.Status = domain.OrderStatus(status)
	order.SyncState = domain.SyncState(state)
	if start.Valid && end.Valid {
		order.Completion = &domain.CompletionPayload{
			StartMeterReading: start.Decimal,
			EndMeterReading:   end.Decimal,
			Notes:             notes.String,
		}
	}

	call, err := decodeCall(rawCall)
	if err != nil {
		return domain.OrderRecord{}, err
	}
	order.Call = call
	order.UpdatedAt = order.UpdatedAt.UTC()

	return order, nil
}

func encodeCall(call *domain.RemoteCall) ([]byte, error) {
	if call == nil {
		return nil, nil
	}
	row := callRow{
		Seq:                  call.Seq,
		Action:               string(call.Action),
		TargetStatus:         string(call.TargetStatus),
		RequestedBy:          call.RequestedBy,
		PrevStatus:           string(call.PrevStatus),
		PrevAssignedWorkerID: call.PrevAssignedWorkerID,
		PrevAckVersion:       call.PrevAckVersion,
		BaseChangeVersion:    call.BaseChangeVersion,
		IdempotencyKey:       call.IdempotencyKey,
		Attempt:              call.Attempt,
		IssuedAt:             call.IssuedAt,
	}
	if call.Payload != nil {
		row.Payload = &completionJSON{
			Start: call.Payload.StartMeterReading,
			End:   call.Payload.EndMeterReading,
			Notes: call.Payload.Notes,
		}
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode remote call: %w", err)
	}
	return raw, nil
}

func decodeCall(raw []byte) (*domain.RemoteCall, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var row callRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode remote call: %w", err)
	}
	call := &domain.RemoteCall{
		Seq:                  row.Seq,
		Action:               domain.Action(row.Action),
		TargetStatus:         domain.OrderStatus(row.TargetStatus),
		RequestedBy:          row.RequestedBy,
		PrevStatus:           domain.OrderStatus(row.PrevStatus),
		PrevAssignedWorkerID: row.PrevAssignedWorkerID,
		PrevAckVersion:       row.PrevAckVersion,
		BaseChangeVersion:    row.BaseChangeVersion,
		IdempotencyKey:       row.IdempotencyKey,
		Attempt:              row.Attempt,
		IssuedAt:             row.IssuedAt,
	}
	if row.Payload != nil {
		call.Payload = &domain.CompletionPayload{
			StartMeterReading: row.Payload.Start,
			EndMeterReading:   row.Payload.End,
			Notes:             row.Payload.Notes,
		}
	}
	return call, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.OrderStore = (*orderStore)(nil)

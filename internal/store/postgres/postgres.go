package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"posledger/internal/domain"
	"posledger/internal/store"
	"posledger/internal/xid"
)

//go:embed schema.sql
var schema string

const productColumns = `id, barcode, name, price_cents, on_hand, reserved, version, low_stock_threshold, status, created_at, updated_at`

const movementColumns = `id, product_id, operation_id, kind, qty, on_hand_before, on_hand_after, reserved_before, reserved_after, reference, created_at`

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 128)
	err := s.db.SelectContext(ctx, &products, `
		SELECT `+productColumns+`
		FROM products
		WHERE status <> $1
		ORDER BY name
	`, domain.ProductStatusRemoved)
	if err != nil {
		return nil, err
	}
	return normalizeProducts(products), nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.PriceCents < 0 {
		return nil, store.ErrInvalidInput
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if product.Status == "" {
		product.Status = domain.ProductStatusActive
	}

	var created domain.Product
	err := s.db.GetContext(ctx, &created, `
		INSERT INTO products (id, barcode, name, price_cents, on_hand, reserved, version, low_stock_threshold, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,1,$6,$7,now(),now())
		RETURNING `+productColumns,
		product.ID, product.Barcode, product.Name, product.PriceCents, product.OnHand, product.LowStockThreshold, product.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateOperation
		}
		return nil, err
	}
	return normalizeProduct(&created), nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return s.getProduct(ctx, s.db, `WHERE id = $1`, id)
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	if barcode == "" {
		return nil, store.ErrNotFound
	}
	return s.getProduct(ctx, s.db, `WHERE barcode = $1`, barcode)
}

func (s *Store) getProduct(ctx context.Context, q sqlx.QueryerContext, where string, arg any) (*domain.Product, error) {
	var product domain.Product
	if err := sqlx.GetContext(ctx, q, &product, `SELECT `+productColumns+` FROM products `+where, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return normalizeProduct(&product), nil
}

// ApplyStockWrite runs the conditional product update, the movement insert and
// the reservation and import bookkeeping in one transaction. The update only
// matches when the stored version equals write.ExpectedVersion.
func (s *Store) ApplyStockWrite(ctx context.Context, write domain.StockWrite) (*domain.Product, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var updated domain.Product
	err = tx.GetContext(ctx, &updated, `
		UPDATE products
		SET on_hand = $2, reserved = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $4
		RETURNING `+productColumns,
		write.ProductID, write.OnHand, write.Reserved, write.ExpectedVersion)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.getProduct(ctx, tx, `WHERE id = $1`, write.ProductID); getErr != nil {
			return nil, getErr
		}
		return nil, store.ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}

	mv := write.Movement
	if mv.ID == "" {
		mv.ID = xid.New("mv")
	}
	mv.ProductID = updated.ID
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO stock_movements (`+movementColumns+`)
		VALUES (:id, :product_id, :operation_id, :kind, :qty, :on_hand_before, :on_hand_after, :reserved_before, :reserved_after, :reference, :created_at)
	`, mv); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateOperation
		}
		return nil, err
	}

	if write.DropReservation {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM reservations WHERE product_id = $1 AND operation_id = $2
		`, updated.ID, mv.OperationID); err != nil {
			return nil, err
		}
	}
	if write.PutReservation != nil {
		res := *write.PutReservation
		res.ProductID = updated.ID
		if res.CreatedAt.IsZero() {
			res.CreatedAt = mv.CreatedAt
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO reservations (product_id, operation_id, qty, expires_at, created_at)
			VALUES (:product_id, :operation_id, :qty, :expires_at, :created_at)
			ON CONFLICT (product_id, operation_id)
			DO UPDATE SET qty = EXCLUDED.qty, expires_at = EXCLUDED.expires_at
		`, res); err != nil {
			return nil, err
		}
	}
	if write.ImportRecord != nil {
		rec := *write.ImportRecord
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = mv.CreatedAt
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO import_records (fingerprint, status, supplier_id, document_number, line_count, units_credited, created_at)
			VALUES (:fingerprint, :status, :supplier_id, :document_number, :line_count, :units_credited, :created_at)
		`, rec); err != nil {
			if isUniqueViolation(err) {
				return nil, store.ErrDuplicateImport
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return normalizeProduct(&updated), nil
}

func (s *Store) FindMovement(ctx context.Context, productID string, operationID string, kind domain.MovementKind) (*domain.StockMovement, error) {
	var mv domain.StockMovement
	err := s.db.GetContext(ctx, &mv, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE product_id = $1 AND operation_id = $2 AND kind = $3
	`, productID, operationID, kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	mv.CreatedAt = mv.CreatedAt.UTC()
	return &mv, nil
}

func (s *Store) ListMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}
	movements := make([]domain.StockMovement, 0, limit)
	err := s.db.SelectContext(ctx, &movements, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	for i := range movements {
		movements[i].CreatedAt = movements[i].CreatedAt.UTC()
	}
	return movements, nil
}

func (s *Store) GetReservation(ctx context.Context, productID string, operationID string) (*domain.Reservation, error) {
	var res domain.Reservation
	err := s.db.GetContext(ctx, &res, `
		SELECT product_id, operation_id, qty, expires_at, created_at
		FROM reservations
		WHERE product_id = $1 AND operation_id = $2
	`, productID, operationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	res.ExpiresAt = res.ExpiresAt.UTC()
	res.CreatedAt = res.CreatedAt.UTC()
	return &res, nil
}

func (s *Store) ListExpiredReservations(ctx context.Context, at time.Time, limit int) ([]domain.Reservation, error) {
	if limit < 1 {
		limit = 100
	}
	result := make([]domain.Reservation, 0, 16)
	err := s.db.SelectContext(ctx, &result, `
		SELECT product_id, operation_id, qty, expires_at, created_at
		FROM reservations
		WHERE expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, at, limit)
	if err != nil {
		return nil, err
	}
	for i := range result {
		result[i].ExpiresAt = result[i].ExpiresAt.UTC()
		result[i].CreatedAt = result[i].CreatedAt.UTC()
	}
	return result, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" || len(sale.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(sale)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sales (id, idempotency_key, customer_id, total_cents, document, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, sale.ID, sale.IdempotencyKey, sale.CustomerID, sale.TotalCents, doc, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateOperation
		}
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.getSale(ctx, `WHERE id = $1`, id)
}

func (s *Store) FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	return s.getSale(ctx, `WHERE idempotency_key = $1`, key)
}

func (s *Store) getSale(ctx context.Context, where string, arg any) (*domain.Sale, error) {
	var doc []byte
	if err := s.db.GetContext(ctx, &doc, `SELECT document FROM sales `+where, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var sale domain.Sale
	if err := json.Unmarshal(doc, &sale); err != nil {
		return nil, fmt.Errorf("decode sale document: %w", err)
	}
	return &sale, nil
}

func (s *Store) CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error) {
	if ret.ID == "" || ret.SaleID == "" {
		return nil, store.ErrInvalidInput
	}
	ret.Version = 1
	now := time.Now().UTC()
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = now
	}
	if ret.UpdatedAt.IsZero() {
		ret.UpdatedAt = ret.CreatedAt
	}
	doc, err := json.Marshal(ret)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO returns (id, sale_id, status, version, document, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, ret.ID, ret.SaleID, ret.Status, ret.Version, doc, ret.CreatedAt, ret.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateOperation
		}
		return nil, err
	}
	created := ret
	return &created, nil
}

func (s *Store) GetReturn(ctx context.Context, id string) (*domain.Return, error) {
	var row struct {
		Version  int64  `db:"version"`
		Document []byte `db:"document"`
	}
	if err := s.db.GetContext(ctx, &row, `SELECT version, document FROM returns WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var ret domain.Return
	if err := json.Unmarshal(row.Document, &ret); err != nil {
		return nil, fmt.Errorf("decode return document: %w", err)
	}
	ret.Version = row.Version
	return &ret, nil
}

func (s *Store) UpdateReturn(ctx context.Context, ret domain.Return, expectedVersion int64) (*domain.Return, error) {
	return updateReturn(ctx, s.db, ret, expectedVersion)
}

// ApproveReturn locks the sale row before re-checking returned quantities,
// so approvals of one sale from any process are serialised.
func (s *Store) ApproveReturn(ctx context.Context, ret domain.Return, expectedVersion int64) (*domain.Return, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var doc []byte
	if err := tx.GetContext(ctx, &doc, `SELECT document FROM sales WHERE id = $1 FOR UPDATE`, ret.SaleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var sale domain.Sale
	if err := json.Unmarshal(doc, &sale); err != nil {
		return nil, fmt.Errorf("decode sale document: %w", err)
	}
	already, err := returnedQty(ctx, tx, ret.SaleID, ret.ID)
	if err != nil {
		return nil, err
	}
	if err := store.CheckReturnable(sale, already, ret.Lines); err != nil {
		return nil, err
	}
	updated, err := updateReturn(ctx, tx, ret, expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func updateReturn(ctx context.Context, q sqlx.ExtContext, ret domain.Return, expectedVersion int64) (*domain.Return, error) {
	ret.Version = expectedVersion + 1
	if ret.UpdatedAt.IsZero() {
		ret.UpdatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(ret)
	if err != nil {
		return nil, err
	}

	res, err := q.ExecContext(ctx, `
		UPDATE returns
		SET status = $2, version = $3, document = $4, updated_at = $5
		WHERE id = $1 AND version = $6
	`, ret.ID, ret.Status, ret.Version, doc, ret.UpdatedAt, expectedVersion)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		var exists bool
		if err := sqlx.GetContext(ctx, q, &exists, `SELECT EXISTS (SELECT 1 FROM returns WHERE id = $1)`, ret.ID); err != nil {
			return nil, err
		}
		if !exists {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrVersionConflict
	}
	updated := ret
	return &updated, nil
}

func (s *Store) GetReturnedQtyBySale(ctx context.Context, saleID string, excludeReturnID string) (map[int]int, error) {
	return returnedQty(ctx, s.db, saleID, excludeReturnID)
}

func returnedQty(ctx context.Context, q sqlx.QueryerContext, saleID string, excludeReturnID string) (map[int]int, error) {
	var docs [][]byte
	err := sqlx.SelectContext(ctx, q, &docs, `
		SELECT document
		FROM returns
		WHERE sale_id = $1 AND id <> $2 AND status IN ($3, $4)
	`, saleID, excludeReturnID, domain.ReturnApproved, domain.ReturnCompleted)
	if err != nil {
		return nil, err
	}

	result := make(map[int]int)
	for _, doc := range docs {
		var ret domain.Return
		if err := json.Unmarshal(doc, &ret); err != nil {
			return nil, fmt.Errorf("decode return document: %w", err)
		}
		for _, line := range ret.Lines {
			result[line.SaleLineNo] += line.Qty
		}
	}
	return result, nil
}

// AppendCreditTransaction inserts at seq expectedSeq+1 only while expectedSeq
// is still the customer's latest position.
func (s *Store) AppendCreditTransaction(ctx context.Context, tx domain.StoreCreditTransaction, expectedSeq int64) (*domain.StoreCreditTransaction, error) {
	if tx.CustomerID == "" || tx.AmountCents <= 0 {
		return nil, store.ErrInvalidInput
	}
	if tx.ID == "" {
		tx.ID = xid.New("sct")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.Seq = expectedSeq + 1

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO store_credit_transactions (id, customer_id, seq, type, amount_cents, reference, idempotency_key, created_at)
		SELECT $1,$2,$3,$4,$5,$6,$7,$8
		WHERE (SELECT COALESCE(MAX(seq), 0) FROM store_credit_transactions WHERE customer_id = $2) = $9
	`, tx.ID, tx.CustomerID, tx.Seq, tx.Type, tx.AmountCents, tx.Reference, tx.IdempotencyKey, tx.CreatedAt, expectedSeq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "store_credit_idempotency_key" {
				return nil, store.ErrDuplicateOperation
			}
			return nil, store.ErrVersionConflict
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrVersionConflict
	}
	return &tx, nil
}

func (s *Store) ListCreditTransactions(ctx context.Context, customerID string) ([]domain.StoreCreditTransaction, error) {
	txs := make([]domain.StoreCreditTransaction, 0, 16)
	err := s.db.SelectContext(ctx, &txs, `
		SELECT id, customer_id, seq, type, amount_cents, reference, idempotency_key, created_at
		FROM store_credit_transactions
		WHERE customer_id = $1
		ORDER BY seq
	`, customerID)
	if err != nil {
		return nil, err
	}
	for i := range txs {
		txs[i].CreatedAt = txs[i].CreatedAt.UTC()
	}
	return txs, nil
}

func (s *Store) FindCreditTransactionByKey(ctx context.Context, customerID string, key string) (*domain.StoreCreditTransaction, error) {
	var tx domain.StoreCreditTransaction
	err := s.db.GetContext(ctx, &tx, `
		SELECT id, customer_id, seq, type, amount_cents, reference, idempotency_key, created_at
		FROM store_credit_transactions
		WHERE customer_id = $1 AND idempotency_key = $2 AND idempotency_key <> ''
	`, customerID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	return &tx, nil
}

func (s *Store) LatestCreditSeq(ctx context.Context, customerID string) (int64, error) {
	var seq int64
	err := s.db.GetContext(ctx, &seq, `
		SELECT COALESCE(MAX(seq), 0) FROM store_credit_transactions WHERE customer_id = $1
	`, customerID)
	return seq, err
}

func (s *Store) GetImportRecord(ctx context.Context, fingerprint string) (*domain.ImportRecord, error) {
	var rec domain.ImportRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT fingerprint, status, supplier_id, document_number, line_count, units_credited, created_at
		FROM import_records
		WHERE fingerprint = $1
	`, fingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

type auditRow struct {
	ID         string    `db:"id"`
	Actor      string    `db:"actor"`
	Role       string    `db:"role"`
	Action     string    `db:"action"`
	EntityType string    `db:"entity_type"`
	EntityID   string    `db:"entity_id"`
	Detail     []byte    `db:"detail"`
	CreatedAt  time.Time `db:"created_at"`
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var detail any
	if len(entry.Detail) > 0 {
		detail = []byte(entry.Detail)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.Actor, entry.Role, entry.Action, entry.EntityType, entry.EntityID, detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows := make([]auditRow, 0, limit)
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, actor, role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}

	logs := make([]domain.AuditLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, domain.AuditLog{
			ID:         row.ID,
			Actor:      row.Actor,
			Role:       row.Role,
			Action:     row.Action,
			EntityType: row.EntityType,
			EntityID:   row.EntityID,
			Detail:     json.RawMessage(row.Detail),
			CreatedAt:  row.CreatedAt.UTC(),
		})
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	role := user.Role
	if role == "" {
		role = "cashier"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,true,now())
	`, username, user.Password, role)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	users := make([]domain.UserAccount, 0, 8)
	err := s.db.SelectContext(ctx, &users, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func normalizeProduct(p *domain.Product) *domain.Product {
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p
}

func normalizeProducts(products []domain.Product) []domain.Product {
	for i := range products {
		normalizeProduct(&products[i])
	}
	return products
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"posledger/internal/domain"
	"posledger/internal/store"
	"posledger/internal/xid"
)

// Store keeps every record in process memory. Each method holds the lock only
// for the duration of a single row read or conditional write.
type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	productByBarcode map[string]string
	reservations     map[string]domain.Reservation
	movements        map[string]domain.StockMovement
	movementsByProd  map[string][]string
	salesByID        map[string]domain.Sale
	salesByIdem      map[string]string
	returnsByID      map[string]domain.Return
	creditLogs       map[string][]domain.StoreCreditTransaction
	creditByKey      map[string]domain.StoreCreditTransaction
	importRecords    map[string]domain.ImportRecord
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:         make(map[string]domain.Product),
		productByBarcode: make(map[string]string),
		reservations:     make(map[string]domain.Reservation),
		movements:        make(map[string]domain.StockMovement),
		movementsByProd:  make(map[string][]string),
		salesByID:        make(map[string]domain.Sale),
		salesByIdem:      make(map[string]string),
		returnsByID:      make(map[string]domain.Return),
		creditLogs:       make(map[string][]domain.StoreCreditTransaction),
		creditByKey:      make(map[string]domain.StoreCreditTransaction),
		importRecords:    make(map[string]domain.ImportRecord),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with demo users and a small clothing catalogue.
// Seed passwords come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD and
// fall back to dev defaults with a warning.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	for _, p := range []domain.Product{
		{ID: "PRD-TEE-M", Barcode: "8990001000011", Name: "Kaos Polos M", PriceCents: 8500000, OnHand: 24, LowStockThreshold: 5},
		{ID: "PRD-TEE-L", Barcode: "8990001000028", Name: "Kaos Polos L", PriceCents: 8500000, OnHand: 18, LowStockThreshold: 5},
		{ID: "PRD-JEANS-32", Barcode: "8990001000035", Name: "Celana Jeans 32", PriceCents: 27500000, OnHand: 9},
		{ID: "PRD-JEANS-34", Barcode: "8990001000042", Name: "Celana Jeans 34", PriceCents: 27500000, OnHand: 6},
		{ID: "PRD-HOODIE-L", Barcode: "8990001000059", Name: "Hoodie Abu L", PriceCents: 32000000, OnHand: 4, LowStockThreshold: 2},
		{ID: "PRD-SOCKS-3P", Barcode: "8990001000066", Name: "Kaos Kaki 3 Pasang", PriceCents: 4500000, OnHand: 40, LowStockThreshold: 10},
	} {
		p.Status = domain.ProductStatusActive
		p.Version = 1
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
		s.productByBarcode[p.Barcode] = p.ID
	}
	return s
}

func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		zap.L().Warn("memory store: using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Fatal("memory store: hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func rowKey(parts ...string) string {
	return strings.Join(parts, "\x00")
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Status == domain.ProductStatusRemoved {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.PriceCents < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrDuplicateOperation
	}
	if product.Barcode != "" {
		if _, exists := s.productByBarcode[product.Barcode]; exists {
			return nil, store.ErrDuplicateOperation
		}
	}
	if product.Status == "" {
		product.Status = domain.ProductStatusActive
	}
	now := time.Now().UTC()
	product.Version = 1
	product.CreatedAt = now
	product.UpdatedAt = now

	s.products[product.ID] = product
	if product.Barcode != "" {
		s.productByBarcode[product.Barcode] = product.ID
	}
	return &product, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProductByBarcode(_ context.Context, barcode string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.productByBarcode[barcode]
	if !ok {
		return nil, store.ErrNotFound
	}
	p := s.products[id]
	return &p, nil
}

func (s *Store) ApplyStockWrite(_ context.Context, write domain.StockWrite) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[write.ProductID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.Version != write.ExpectedVersion {
		return nil, store.ErrVersionConflict
	}
	mv := write.Movement
	mvKey := rowKey(write.ProductID, mv.OperationID, string(mv.Kind))
	if _, exists := s.movements[mvKey]; exists {
		return nil, store.ErrDuplicateOperation
	}
	if write.ImportRecord != nil {
		if _, exists := s.importRecords[write.ImportRecord.Fingerprint]; exists {
			return nil, store.ErrDuplicateImport
		}
	}

	now := time.Now().UTC()
	p.OnHand = write.OnHand
	p.Reserved = write.Reserved
	p.Version++
	p.UpdatedAt = now
	s.products[p.ID] = p

	if mv.ID == "" {
		mv.ID = xid.New("mv")
	}
	mv.ProductID = p.ID
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = now
	}
	s.movements[mvKey] = mv
	s.movementsByProd[p.ID] = append(s.movementsByProd[p.ID], mvKey)

	resKey := rowKey(p.ID, mv.OperationID)
	if write.DropReservation {
		delete(s.reservations, resKey)
	}
	if write.PutReservation != nil {
		res := *write.PutReservation
		res.ProductID = p.ID
		s.reservations[rowKey(p.ID, res.OperationID)] = res
	}
	if write.ImportRecord != nil {
		rec := *write.ImportRecord
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		s.importRecords[rec.Fingerprint] = rec
	}

	return &p, nil
}

func (s *Store) FindMovement(_ context.Context, productID string, operationID string, kind domain.MovementKind) (*domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mv, ok := s.movements[rowKey(productID, operationID, string(kind))]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &mv, nil
}

func (s *Store) ListMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.movementsByProd[productID]
	result := make([]domain.StockMovement, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		result = append(result, s.movements[keys[i]])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetReservation(_ context.Context, productID string, operationID string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.reservations[rowKey(productID, operationID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &res, nil
}

func (s *Store) ListExpiredReservations(_ context.Context, at time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Reservation, 0, 16)
	for _, res := range s.reservations {
		if res.ExpiresAt.After(at) {
			continue
		}
		result = append(result, res)
	}
	slices.SortFunc(result, func(a, b domain.Reservation) int {
		return a.ExpiresAt.Compare(b.ExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" || len(sale.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByID[sale.ID]; exists {
		return nil, store.ErrDuplicateOperation
	}
	if sale.IdempotencyKey != "" {
		if _, exists := s.salesByIdem[sale.IdempotencyKey]; exists {
			return nil, store.ErrDuplicateOperation
		}
		s.salesByIdem[sale.IdempotencyKey] = sale.ID
	}
	sale.Lines = slices.Clone(sale.Lines)
	s.salesByID[sale.ID] = sale

	out := sale
	out.Lines = slices.Clone(sale.Lines)
	return &out, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale.Lines = slices.Clone(sale.Lines)
	return &sale, nil
}

func (s *Store) FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	id, ok := s.salesByIdem[key]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetSale(ctx, id)
}

func cloneReturn(r domain.Return) domain.Return {
	r.Lines = slices.Clone(r.Lines)
	r.ExchangeLines = slices.Clone(r.ExchangeLines)
	r.Transitions = slices.Clone(r.Transitions)
	return r
}

func (s *Store) CreateReturn(_ context.Context, ret domain.Return) (*domain.Return, error) {
	if ret.ID == "" || ret.SaleID == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.returnsByID[ret.ID]; exists {
		return nil, store.ErrDuplicateOperation
	}
	ret.Version = 1
	s.returnsByID[ret.ID] = cloneReturn(ret)

	out := cloneReturn(ret)
	return &out, nil
}

func (s *Store) GetReturn(_ context.Context, id string) (*domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret, ok := s.returnsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneReturn(ret)
	return &out, nil
}

func (s *Store) UpdateReturn(_ context.Context, ret domain.Return, expectedVersion int64) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.returnsByID[ret.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	ret.Version = expectedVersion + 1
	s.returnsByID[ret.ID] = cloneReturn(ret)

	out := cloneReturn(ret)
	return &out, nil
}

func (s *Store) ApproveReturn(_ context.Context, ret domain.Return, expectedVersion int64) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.returnsByID[ret.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	sale, ok := s.salesByID[ret.SaleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := store.CheckReturnable(sale, s.returnedQtyLocked(ret.SaleID, ret.ID), ret.Lines); err != nil {
		return nil, err
	}
	ret.Version = expectedVersion + 1
	s.returnsByID[ret.ID] = cloneReturn(ret)

	out := cloneReturn(ret)
	return &out, nil
}

func (s *Store) GetReturnedQtyBySale(_ context.Context, saleID string, excludeReturnID string) (map[int]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.returnedQtyLocked(saleID, excludeReturnID), nil
}

func (s *Store) returnedQtyLocked(saleID string, excludeReturnID string) map[int]int {
	result := make(map[int]int)
	for _, ret := range s.returnsByID {
		if ret.SaleID != saleID || ret.ID == excludeReturnID {
			continue
		}
		if ret.Status != domain.ReturnApproved && ret.Status != domain.ReturnCompleted {
			continue
		}
		for _, line := range ret.Lines {
			result[line.SaleLineNo] += line.Qty
		}
	}
	return result
}

func (s *Store) AppendCreditTransaction(_ context.Context, tx domain.StoreCreditTransaction, expectedSeq int64) (*domain.StoreCreditTransaction, error) {
	if tx.CustomerID == "" || tx.AmountCents <= 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.creditLogs[tx.CustomerID]
	if int64(len(log)) != expectedSeq {
		return nil, store.ErrVersionConflict
	}
	if tx.IdempotencyKey != "" {
		if _, exists := s.creditByKey[rowKey(tx.CustomerID, tx.IdempotencyKey)]; exists {
			return nil, store.ErrDuplicateOperation
		}
	}

	if tx.ID == "" {
		tx.ID = xid.New("sct")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.Seq = expectedSeq + 1
	s.creditLogs[tx.CustomerID] = append(log, tx)
	if tx.IdempotencyKey != "" {
		s.creditByKey[rowKey(tx.CustomerID, tx.IdempotencyKey)] = tx
	}
	return &tx, nil
}

func (s *Store) ListCreditTransactions(_ context.Context, customerID string) ([]domain.StoreCreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.creditLogs[customerID]), nil
}

func (s *Store) FindCreditTransactionByKey(_ context.Context, customerID string, key string) (*domain.StoreCreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.creditByKey[rowKey(customerID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &tx, nil
}

func (s *Store) LatestCreditSeq(_ context.Context, customerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.creditLogs[customerID])), nil
}

func (s *Store) GetImportRecord(_ context.Context, fingerprint string) (*domain.ImportRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.importRecords[fingerprint]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

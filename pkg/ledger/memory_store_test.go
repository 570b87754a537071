package ledger

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"
)

// memoryStore is a transactional in-memory Store. A transaction holds the
// shared mutex for its whole duration and commits by swapping in its copy of
// the state, so a failed callback leaves nothing behind.
type memoryStore struct {
	shared *memoryShared
	state  *memoryState
	inTx   bool
}

type memoryShared struct {
	mu                sync.Mutex
	state             *memoryState
	lockLog           []string
	transactions      int
	transientFailures int
	insertHook        func(state *memoryState, input EntryInput) error
	failures          map[string]error
}

type memoryState struct {
	wallets      map[WalletID]Wallet
	owners       map[string]WalletID
	entries      []Entry
	holds        map[string]Hold
	nextWalletID int64
	nextEntryID  int64
	nextHoldID   int64
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{shared: &memoryShared{
		state: &memoryState{
			wallets: map[WalletID]Wallet{},
			owners:  map[string]WalletID{},
			holds:   map[string]Hold{},
		},
		failures: map[string]error{},
	}}
}

func (state *memoryState) clone() *memoryState {
	return &memoryState{
		wallets:      maps.Clone(state.wallets),
		owners:       maps.Clone(state.owners),
		entries:      slices.Clone(state.entries),
		holds:        maps.Clone(state.holds),
		nextWalletID: state.nextWalletID,
		nextEntryID:  state.nextEntryID,
		nextHoldID:   state.nextHoldID,
	}
}

func (store *memoryStore) access(name string, fn func(state *memoryState) error) error {
	if !store.inTx {
		store.shared.mu.Lock()
		defer store.shared.mu.Unlock()
	}
	if err := store.shared.failures[name]; err != nil {
		return err
	}
	if store.inTx {
		return fn(store.state)
	}
	return fn(store.shared.state)
}

func (store *memoryStore) failOn(method string, err error) {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	store.shared.failures[method] = err
}

func (store *memoryStore) failNextTransactions(count int) {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	store.shared.transientFailures = count
}

func (store *memoryStore) transactionCount() int {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	return store.shared.transactions
}

func (store *memoryStore) locks() []string {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	return slices.Clone(store.shared.lockLog)
}

func (store *memoryStore) resetLocks() {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	store.shared.lockLog = nil
}

func (store *memoryStore) entryCount(walletID WalletID) int {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	count := 0
	for _, entry := range store.shared.state.entries {
		if entry.WalletID == walletID {
			count++
		}
	}
	return count
}

func (store *memoryStore) setCachedBalance(walletID WalletID, balance Amount) {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	wallet := store.shared.state.wallets[walletID]
	wallet.CachedBalance = balance
	store.shared.state.wallets[walletID] = wallet
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	store.shared.transactions++
	if store.shared.transientFailures > 0 {
		store.shared.transientFailures--
		return fmt.Errorf("%w: simulated serialization failure", ErrTransientConflict)
	}
	txStore := &memoryStore{shared: store.shared, state: store.shared.state.clone(), inTx: true}
	if err := fn(ctx, txStore); err != nil {
		return err
	}
	store.shared.state = txStore.state
	return nil
}

func (store *memoryStore) FindWallet(ctx context.Context, ref WalletRef) (Wallet, bool, error) {
	var (
		wallet Wallet
		found  bool
	)
	err := store.access("FindWallet", func(state *memoryState) error {
		walletID := ref.ID()
		if walletID == 0 {
			walletID, found = state.owners[ref.Owner().String()]
			if !found {
				return nil
			}
		}
		wallet, found = state.wallets[walletID]
		return nil
	})
	return wallet, found, err
}

func (store *memoryStore) CreateWallet(ctx context.Context, input WalletInput) (Wallet, error) {
	var wallet Wallet
	err := store.access("CreateWallet", func(state *memoryState) error {
		if existingID, ok := state.owners[input.OwnerRef.String()]; ok {
			wallet = state.wallets[existingID]
			return nil
		}
		state.nextWalletID++
		wallet = Wallet{
			ID:             WalletID(state.nextWalletID),
			OwnerRef:       input.OwnerRef,
			AllowOverdraft: input.AllowOverdraft,
			CreatedAt:      input.CreatedAt,
		}
		state.wallets[wallet.ID] = wallet
		state.owners[input.OwnerRef.String()] = wallet.ID
		return nil
	})
	return wallet, err
}

func (store *memoryStore) LockWallet(ctx context.Context, walletID WalletID) (Wallet, error) {
	var wallet Wallet
	err := store.access("LockWallet", func(state *memoryState) error {
		found, ok := state.wallets[walletID]
		if !ok {
			return ErrInvalidWallet
		}
		store.shared.lockLog = append(store.shared.lockLog, "wallet:"+walletID.String())
		wallet = found
		return nil
	})
	return wallet, err
}

func (store *memoryStore) UpdateCachedBalance(ctx context.Context, walletID WalletID, balance Amount) error {
	return store.access("UpdateCachedBalance", func(state *memoryState) error {
		wallet, ok := state.wallets[walletID]
		if !ok {
			return ErrInvalidWallet
		}
		wallet.CachedBalance = balance
		state.wallets[walletID] = wallet
		return nil
	})
}

func (store *memoryStore) SumEntries(ctx context.Context, walletID WalletID) (Amount, error) {
	var total Amount
	err := store.access("SumEntries", func(state *memoryState) error {
		for _, entry := range state.entries {
			if entry.WalletID == walletID {
				total += entry.Amount.ToAmount()
			}
		}
		return nil
	})
	return total, err
}

func (store *memoryStore) ListWalletIDs(ctx context.Context, afterID WalletID, limit int) ([]WalletID, error) {
	var walletIDs []WalletID
	err := store.access("ListWalletIDs", func(state *memoryState) error {
		for walletID := range state.wallets {
			if walletID > afterID {
				walletIDs = append(walletIDs, walletID)
			}
		}
		slices.Sort(walletIDs)
		if len(walletIDs) > limit {
			walletIDs = walletIDs[:limit]
		}
		return nil
	})
	return walletIDs, err
}

func (store *memoryStore) InsertEntry(ctx context.Context, input EntryInput) (Entry, error) {
	var entry Entry
	err := store.access("InsertEntry", func(state *memoryState) error {
		if hook := store.shared.insertHook; hook != nil {
			store.shared.insertHook = nil
			if err := hook(store.shared.state, input); err != nil {
				return err
			}
		}
		if !input.IdempotencyKey.IsZero() {
			for _, existing := range state.entries {
				if existing.WalletID == input.WalletID && existing.IdempotencyKey == input.IdempotencyKey {
					return ErrDuplicateIdempotencyKey
				}
			}
		}
		entry = appendEntry(state, input)
		return nil
	})
	return entry, err
}

func appendEntry(state *memoryState, input EntryInput) Entry {
	state.nextEntryID++
	entry := Entry{
		ID:             TransactionID(state.nextEntryID),
		WalletID:       input.WalletID,
		Amount:         input.Amount,
		Reason:         input.Reason,
		IdempotencyKey: input.IdempotencyKey,
		BalanceAfter:   input.BalanceAfter,
		Metadata:       input.Metadata,
		CreatedAt:      input.CreatedAt,
	}
	state.entries = append(state.entries, entry)
	return entry
}

func (store *memoryStore) GetEntry(ctx context.Context, walletID WalletID, transactionID TransactionID) (Entry, error) {
	var entry Entry
	err := store.access("GetEntry", func(state *memoryState) error {
		for _, existing := range state.entries {
			if existing.ID == transactionID && existing.WalletID == walletID {
				entry = existing
				return nil
			}
		}
		return ErrInvalidTransaction
	})
	return entry, err
}

func (store *memoryStore) FindEntryByIdempotencyKey(ctx context.Context, walletID WalletID, key IdempotencyKey) (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)
	err := store.access("FindEntryByIdempotencyKey", func(state *memoryState) error {
		for _, existing := range state.entries {
			if existing.WalletID == walletID && existing.IdempotencyKey == key {
				entry, found = existing, true
				return nil
			}
		}
		return nil
	})
	return entry, found, err
}

func (store *memoryStore) ListEntries(ctx context.Context, walletID WalletID, limit int, offset int) ([]Entry, error) {
	entries := []Entry{}
	err := store.access("ListEntries", func(state *memoryState) error {
		for _, existing := range state.entries {
			if existing.WalletID == walletID {
				entries = append(entries, existing)
			}
		}
		sort.SliceStable(entries, func(left, right int) bool {
			if !entries[left].CreatedAt.Equal(entries[right].CreatedAt) {
				return entries[left].CreatedAt.After(entries[right].CreatedAt)
			}
			return entries[left].ID > entries[right].ID
		})
		if offset >= len(entries) {
			entries = []Entry{}
			return nil
		}
		entries = entries[offset:min(len(entries), offset+limit)]
		return nil
	})
	return entries, err
}

func (store *memoryStore) CreateHold(ctx context.Context, input HoldInput) (Hold, error) {
	var hold Hold
	err := store.access("CreateHold", func(state *memoryState) error {
		if !input.IdempotencyKey.IsZero() {
			for _, existing := range state.holds {
				if existing.WalletID == input.WalletID && existing.IdempotencyKey == input.IdempotencyKey {
					return ErrDuplicateIdempotencyKey
				}
			}
		}
		state.nextHoldID++
		hold = Hold{
			ID:             HoldID{value: fmt.Sprintf("hold-%d", state.nextHoldID)},
			WalletID:       input.WalletID,
			SKU:            input.SKU,
			Amount:         input.Amount,
			Status:         HoldStatusAuthorized,
			ExpiresAt:      input.ExpiresAt,
			IdempotencyKey: input.IdempotencyKey,
			Metadata:       input.Metadata,
			CreatedAt:      input.CreatedAt,
		}
		state.holds[hold.ID.String()] = hold
		return nil
	})
	return hold, err
}

func (store *memoryStore) FindHoldByIdempotencyKey(ctx context.Context, walletID WalletID, key IdempotencyKey) (Hold, bool, error) {
	var (
		hold  Hold
		found bool
	)
	err := store.access("FindHoldByIdempotencyKey", func(state *memoryState) error {
		for _, existing := range state.holds {
			if existing.WalletID == walletID && existing.IdempotencyKey == key {
				hold, found = existing, true
				return nil
			}
		}
		return nil
	})
	return hold, found, err
}

func (store *memoryStore) GetHold(ctx context.Context, walletID WalletID, holdID HoldID) (Hold, error) {
	var hold Hold
	err := store.access("GetHold", func(state *memoryState) error {
		existing, ok := state.holds[holdID.String()]
		if !ok || existing.WalletID != walletID {
			return ErrHoldNotFound
		}
		hold = existing
		return nil
	})
	return hold, err
}

func (store *memoryStore) LockHold(ctx context.Context, walletID WalletID, holdID HoldID) (Hold, error) {
	hold, err := store.GetHold(ctx, walletID, holdID)
	if err != nil {
		return Hold{}, err
	}
	store.shared.lockLog = append(store.shared.lockLog, "hold:"+holdID.String())
	return hold, nil
}

func (store *memoryStore) LockHoldByCapturedTransaction(ctx context.Context, walletID WalletID, transactionID TransactionID) (Hold, error) {
	var hold Hold
	err := store.access("LockHoldByCapturedTransaction", func(state *memoryState) error {
		for _, existing := range state.holds {
			if existing.WalletID == walletID && existing.Status == HoldStatusCaptured && existing.CapturedTransactionID == transactionID {
				hold = existing
				store.shared.lockLog = append(store.shared.lockLog, "hold:"+existing.ID.String())
				return nil
			}
		}
		return ErrInvalidTransaction
	})
	return hold, err
}

func (store *memoryStore) UpdateHold(ctx context.Context, hold Hold) error {
	return store.access("UpdateHold", func(state *memoryState) error {
		if _, ok := state.holds[hold.ID.String()]; !ok {
			return ErrHoldNotFound
		}
		state.holds[hold.ID.String()] = hold
		return nil
	})
}

func (store *memoryStore) SumAuthorizedHolds(ctx context.Context, walletID WalletID, at time.Time) (Amount, error) {
	var total Amount
	err := store.access("SumAuthorizedHolds", func(state *memoryState) error {
		for _, existing := range state.holds {
			if existing.WalletID == walletID && existing.Status == HoldStatusAuthorized && at.Before(existing.ExpiresAt) {
				total += existing.Amount.ToAmount()
			}
		}
		return nil
	})
	return total, err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(delta time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(delta)
}

type staticCatalog map[string]CatalogItem

func (catalog staticCatalog) LookupItem(_ context.Context, sku SKU) (CatalogItem, bool, error) {
	item, ok := catalog[sku.String()]
	return item, ok, nil
}

func newTestCatalog(test *testing.T) staticCatalog {
	test.Helper()
	return staticCatalog{
		"ITEM1":   {SKU: mustSKU(test, "ITEM1"), Price: 30, Active: true},
		"ITEM2":   {SKU: mustSKU(test, "ITEM2"), Price: 50, Active: true},
		"RETIRED": {SKU: mustSKU(test, "RETIRED"), Price: 10, Active: false},
	}
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) snapshot() []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	return slices.Clone(logger.entries)
}

type testHarness struct {
	store   *memoryStore
	clock   *testClock
	ledger  *Service
	spend   *SpendService
	catalog staticCatalog
}

func newTestHarness(test *testing.T, options ...ServiceOption) *testHarness {
	test.Helper()
	store := newMemoryStore(test)
	clock := newTestClock()
	options = append([]ServiceOption{WithRetryPolicy(RetryPolicy{MaxAttempts: 3})}, options...)
	ledgerService, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	catalog := newTestCatalog(test)
	spendService, err := NewSpendService(ledgerService, catalog)
	if err != nil {
		test.Fatalf("new spend service: %v", err)
	}
	return &testHarness{store: store, clock: clock, ledger: ledgerService, spend: spendService, catalog: catalog}
}

func (harness *testHarness) openWallet(test *testing.T, owner string, balance int64) Wallet {
	test.Helper()
	wallet, err := harness.ledger.OpenWallet(context.Background(), mustOwnerRef(test, owner), WalletOptions{})
	if err != nil {
		test.Fatalf("open wallet: %v", err)
	}
	if balance > 0 {
		if _, err := harness.ledger.Credit(context.Background(), wallet.Ref(), mustPositiveAmount(test, balance), ReasonManualAdjustment, IdempotencyKey{}, MetadataJSON{}); err != nil {
			test.Fatalf("seed balance: %v", err)
		}
	}
	return wallet
}

func (harness *testHarness) balance(test *testing.T, wallet Wallet) Amount {
	test.Helper()
	balance, err := harness.ledger.GetBalance(context.Background(), wallet.Ref())
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}

func (harness *testHarness) available(test *testing.T, wallet Wallet) Amount {
	test.Helper()
	available, err := harness.spend.GetAvailableBalance(context.Background(), wallet.Ref())
	if err != nil {
		test.Fatalf("available balance: %v", err)
	}
	return available
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmount {
	test.Helper()
	amount, err := NewPositiveAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustOwnerRef(test *testing.T, raw string) OwnerRef {
	test.Helper()
	owner, err := NewOwnerRef(raw)
	if err != nil {
		test.Fatalf("owner ref: %v", err)
	}
	return owner
}

func mustSKU(test *testing.T, raw string) SKU {
	test.Helper()
	sku, err := NewSKU(raw)
	if err != nil {
		test.Fatalf("sku: %v", err)
	}
	return sku
}

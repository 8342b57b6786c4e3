package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"binance-mm-runner/internal/errclass"
	"binance-mm-runner/internal/models"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
)

// ErrBotNotFound is returned when the store has no record for a bot id.
var ErrBotNotFound = errors.New("bot not found")

const (
	botPrefix      = "bot/"
	runtimePrefix  = "runtime/"
	alertPrefix    = "alert/"
	orderMapPrefix = "ordermap/"
	fillsPrefix    = "fills/"
)

// Store is the BadgerDB implementation of the bot/config store and the
// runtime and alert sinks. Values are JSON documents.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

// NewBadgerStore opens (or creates) a store at dbPath.
func NewBadgerStore(dbPath string) (*Store, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is disabled to keep the app's logs clean; errors are still returned.
	opts.Logger = nil
	return open(opts)
}

// NewInMemoryStore opens a store that lives only as long as the process.
func NewInMemoryStore() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close gracefully closes the connection to the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &errclass.DBUnavailableError{Op: op, Err: err}
}

func (s *Store) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// get decodes key into v. A missing key returns badger.ErrKeyNotFound.
func (s *Store) get(key string, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("value is empty in database")
			}
			return json.Unmarshal(val, v)
		})
	})
}

// scan calls fn with every value under prefix in key order.
func (s *Store) scan(prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// updateBundle applies fn to the stored bundle inside one transaction.
func (s *Store) updateBundle(op, botID string, fn func(*models.BotBundle)) error {
	key := []byte(botPrefix + botID)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var b models.BotBundle
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &b) }); err != nil {
			return err
		}
		fn(&b)
		data, err := json.Marshal(&b)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s %s: %w", op, botID, ErrBotNotFound)
	}
	return unavailable(op, err)
}

// SaveBundle writes the full bot record.
func (s *Store) SaveBundle(_ context.Context, b *models.BotBundle) error {
	if b.Bot.ID == "" {
		return errors.New("bot id is required")
	}
	return unavailable("SaveBundle", s.put(botPrefix+b.Bot.ID, b))
}

// SeedBundle writes b only if no record exists yet and reports whether it did.
func (s *Store) SeedBundle(ctx context.Context, b *models.BotBundle) (bool, error) {
	var existing models.BotBundle
	err := s.get(botPrefix+b.Bot.ID, &existing)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return false, unavailable("SeedBundle", err)
	}
	return true, s.SaveBundle(ctx, b)
}

// LoadBotAndConfigs returns the bot and all of its strategy configs.
func (s *Store) LoadBotAndConfigs(_ context.Context, botID string) (*models.BotBundle, error) {
	var b models.BotBundle
	err := s.get(botPrefix+botID, &b)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("load %s: %w", botID, ErrBotNotFound)
	}
	if err != nil {
		return nil, unavailable("LoadBotAndConfigs", err)
	}
	return &b, nil
}

// ListBotIDs returns every stored bot id in key order.
func (s *Store) ListBotIDs(_ context.Context) ([]string, error) {
	var ids []string
	err := s.scan(botPrefix, func(val []byte) error {
		var b models.BotBundle
		if err := json.Unmarshal(val, &b); err != nil {
			return err
		}
		ids = append(ids, b.Bot.ID)
		return nil
	})
	return ids, unavailable("ListBotIDs", err)
}

// UpdateBotFlags persists the strategy switches.
func (s *Store) UpdateBotFlags(_ context.Context, botID string, flags models.BotFlags) error {
	return s.updateBundle("UpdateBotFlags", botID, func(b *models.BotBundle) {
		b.Bot.MMEnabled = flags.MMEnabled
	})
}

// UpdateBotStatus persists the externally controlled status.
func (s *Store) UpdateBotStatus(_ context.Context, botID string, status models.BotStatus) error {
	return s.updateBundle("UpdateBotStatus", botID, func(b *models.BotBundle) {
		b.Bot.Status = status
	})
}

// UpdatePriceSupportConfig replaces the price support config.
func (s *Store) UpdatePriceSupportConfig(_ context.Context, botID string, cfg models.PriceSupportConfig) error {
	return s.updateBundle("UpdatePriceSupportConfig", botID, func(b *models.BotBundle) {
		b.PriceSupport = cfg
	})
}

// AddPriceSupportSpent adds delta to SpentUSDT atomically.
func (s *Store) AddPriceSupportSpent(_ context.Context, botID string, delta float64) (models.PriceSupportConfig, error) {
	var out models.PriceSupportConfig
	err := s.updateBundle("AddPriceSupportSpent", botID, func(b *models.BotBundle) {
		b.PriceSupport.SpentUSDT += delta
		out = b.PriceSupport
	})
	return out, err
}

func orderMapKey(botID, clientOrderID string) string {
	return orderMapPrefix + botID + "/" + clientOrderID
}

// UpsertOrderMap persists the clientOrderId to exchange order id mapping.
func (s *Store) UpsertOrderMap(_ context.Context, m models.OrderMapping) error {
	now := s.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.State == "" {
		m.State = models.MappingOpen
	}
	return unavailable("UpsertOrderMap", s.put(orderMapKey(m.BotID, m.ClientOrderID), m))
}

// OpenOrderMappings returns the bot's mappings still believed to be open on symbol.
func (s *Store) OpenOrderMappings(_ context.Context, botID, symbol string) ([]models.OrderMapping, error) {
	var out []models.OrderMapping
	err := s.scan(orderMapPrefix+botID+"/", func(val []byte) error {
		var m models.OrderMapping
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		if m.State == models.MappingOpen && (symbol == "" || m.Symbol == symbol) {
			out = append(out, m)
		}
		return nil
	})
	return out, unavailable("OpenOrderMappings", err)
}

// MarkOrderMapping moves a mapping to state. Unknown mappings are ignored.
func (s *Store) MarkOrderMapping(ctx context.Context, botID, clientOrderID string, state models.OrderMappingState) error {
	var m models.OrderMapping
	err := s.get(orderMapKey(botID, clientOrderID), &m)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return unavailable("MarkOrderMapping", err)
	}
	m.State = state
	return s.UpsertOrderMap(ctx, m)
}

// MarkSymbolCanceled marks every open mapping of the bot on symbol as cancelled.
func (s *Store) MarkSymbolCanceled(ctx context.Context, botID, symbol string) error {
	open, err := s.OpenOrderMappings(ctx, botID, symbol)
	if err != nil {
		return err
	}
	for _, m := range open {
		m.State = models.MappingCanceled
		if err := s.UpsertOrderMap(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func fillsKey(botID, day string) string {
	return fillsPrefix + botID + "/" + day
}

// AddFillNotional adds delta to the bot's traded notional for day and returns the new total.
func (s *Store) AddFillNotional(_ context.Context, botID, day string, delta float64) (float64, error) {
	key := []byte(fillsKey(botID, day))
	var total float64
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &total) }); err != nil {
				return err
			}
		}
		if delta > 0 {
			total += delta
		}
		data, err := json.Marshal(total)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	return total, unavailable("AddFillNotional", err)
}

// FillTotal returns the traded notional recorded for day.
func (s *Store) FillTotal(_ context.Context, botID, day string) (float64, error) {
	var total float64
	err := s.get(fillsKey(botID, day), &total)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	return total, unavailable("FillTotal", err)
}

// WriteRuntime stores the latest snapshot for the bot.
func (s *Store) WriteRuntime(_ context.Context, snap models.RuntimeSnapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = s.now()
	}
	return unavailable("WriteRuntime", s.put(runtimePrefix+snap.BotID, snap))
}

// ListRuntime returns the latest snapshot of every bot.
func (s *Store) ListRuntime(_ context.Context) ([]models.RuntimeSnapshot, error) {
	var out []models.RuntimeSnapshot
	err := s.scan(runtimePrefix, func(val []byte) error {
		var snap models.RuntimeSnapshot
		if err := json.Unmarshal(val, &snap); err != nil {
			return err
		}
		out = append(out, snap)
		return nil
	})
	return out, unavailable("ListRuntime", err)
}

// WriteAlert appends an alert record and returns it with id and time set.
func (s *Store) WriteAlert(_ context.Context, a models.Alert) (models.Alert, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	key := fmt.Sprintf("%s%s/%020d/%s", alertPrefix, a.BotID, a.CreatedAt.UnixNano(), a.ID)
	return a, unavailable("WriteAlert", s.put(key, a))
}

// ListAlerts returns the bot's alerts oldest first; an empty botID lists all.
func (s *Store) ListAlerts(_ context.Context, botID string) ([]models.Alert, error) {
	prefix := alertPrefix
	if botID != "" {
		prefix += strings.TrimSuffix(botID, "/") + "/"
	}
	var out []models.Alert
	err := s.scan(prefix, func(val []byte) error {
		var a models.Alert
		if err := json.Unmarshal(val, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, unavailable("ListAlerts", err)
}

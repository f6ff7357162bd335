package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/marketapi/internal/domain"
	"github.com/alanyoungcy/marketapi/internal/notify"
)

// sideEffectTimeout bounds journal writes and notifications, which outlive
// the request that caused them.
const sideEffectTimeout = 15 * time.Second

// TradeService routes trading calls to the configured brokers. It enforces
// the per-broker instrument allowlist, journals every deal outcome and
// notifies operators about it.
type TradeService struct {
	brokers  map[string]domain.Broker
	allow    map[string]map[string]bool
	journal  domain.DealJournal
	notifier *notify.Notifier
	now      func() time.Time
	logger   *slog.Logger

	wg sync.WaitGroup
}

// TradeOption configures a TradeService.
type TradeOption func(*TradeService)

// WithJournal records deal outcomes in j.
func WithJournal(j domain.DealJournal) TradeOption {
	return func(s *TradeService) { s.journal = j }
}

// WithNotifier sends deal alerts through n.
func WithNotifier(n *notify.Notifier) TradeOption {
	return func(s *TradeService) { s.notifier = n }
}

// WithAllowlist restricts a broker to the listed epics. A broker without an
// allowlist may trade any instrument.
func WithAllowlist(broker string, epics []string) TradeOption {
	return func(s *TradeService) {
		if len(epics) == 0 {
			return
		}
		set := make(map[string]bool, len(epics))
		for _, e := range epics {
			set[strings.TrimSpace(e)] = true
		}
		s.allow[broker] = set
	}
}

// NewTradeService creates a TradeService over brokers, keyed by Name().
func NewTradeService(brokers []domain.Broker, logger *slog.Logger, opts ...TradeOption) *TradeService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TradeService{
		brokers: make(map[string]domain.Broker, len(brokers)),
		allow:   make(map[string]map[string]bool),
		now:     time.Now,
		logger:  logger.With(slog.String("component", "trade_service")),
	}
	for _, b := range brokers {
		s.brokers[b.Name()] = b
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Broker returns the integration registered under name.
func (s *TradeService) Broker(name string) (domain.Broker, error) {
	b, ok := s.brokers[name]
	if !ok {
		return nil, fmt.Errorf("trade_service: %w: %q", domain.ErrUnknownBroker, name)
	}
	return b, nil
}

// Brokers lists the registered broker names.
func (s *TradeService) Brokers() []string {
	names := make([]string, 0, len(s.brokers))
	for name := range s.brokers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenPosition opens a position on broker once the instrument passes the
// allowlist.
func (s *TradeService) OpenPosition(ctx context.Context, broker, epic string, details domain.NewPositionDetails) (domain.DealConfirmation, error) {
	b, err := s.Broker(broker)
	if err != nil {
		return domain.DealConfirmation{}, err
	}
	if !s.allowed(broker, epic) {
		return domain.DealConfirmation{}, fmt.Errorf("trade_service: %w: %s on %s", domain.ErrInstrumentBlocked, epic, broker)
	}

	conf, err := b.OpenPosition(ctx, epic, details)
	s.afterDeal(ctx, broker, domain.OperationOpen, conf, err)
	if err != nil {
		return conf, err
	}
	s.logger.InfoContext(ctx, "position opened",
		slog.String("broker", broker),
		slog.String("epic", epic),
		slog.String("deal_id", conf.DealID),
		slog.Float64("level", conf.Level),
	)
	return conf, nil
}

// ClosePosition closes size of dealID on broker. direction is the side of the
// closing deal.
func (s *TradeService) ClosePosition(ctx context.Context, broker, dealID string, size float64, direction domain.Direction) (domain.DealConfirmation, error) {
	b, err := s.Broker(broker)
	if err != nil {
		return domain.DealConfirmation{}, err
	}

	conf, err := b.ClosePosition(ctx, dealID, size, direction)
	s.afterDeal(ctx, broker, domain.OperationClose, conf, err)
	if err != nil {
		return conf, err
	}
	s.logger.InfoContext(ctx, "position closed",
		slog.String("broker", broker),
		slog.String("deal_id", dealID),
		slog.Float64("level", conf.Level),
	)
	return conf, nil
}

// GetPositions lists the open positions on broker.
func (s *TradeService) GetPositions(ctx context.Context, broker string) ([]domain.Position, error) {
	b, err := s.Broker(broker)
	if err != nil {
		return nil, err
	}
	return b.GetPositions(ctx)
}

// GetPosition returns one position on broker.
func (s *TradeService) GetPosition(ctx context.Context, broker, dealID string) (domain.Position, error) {
	b, err := s.Broker(broker)
	if err != nil {
		return domain.Position{}, err
	}
	return b.GetPosition(ctx, dealID)
}

// SearchInstruments searches broker's markets. With an allowlist in place only
// allowed instruments are returned.
func (s *TradeService) SearchInstruments(ctx context.Context, broker, term string) ([]domain.InstrumentSummary, error) {
	b, err := s.Broker(broker)
	if err != nil {
		return nil, err
	}
	found, err := b.SearchInstruments(ctx, term)
	if err != nil {
		return nil, err
	}
	if _, limited := s.allow[broker]; !limited {
		return found, nil
	}
	out := found[:0]
	for _, m := range found {
		if s.allowed(broker, m.Epic) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Prices returns recent candles when broker supports price history.
func (s *TradeService) Prices(ctx context.Context, broker, epic, resolution string, limit int) ([]domain.Candle, error) {
	b, err := s.Broker(broker)
	if err != nil {
		return nil, err
	}
	ps, ok := b.(domain.PriceSnapshotter)
	if !ok {
		return nil, fmt.Errorf("trade_service: price history on %s: %w", broker, domain.ErrUnsupported)
	}
	return ps.Prices(ctx, epic, resolution, limit)
}

// RecentDeals lists journal entries, newest first. Without a journal the
// list is empty.
func (s *TradeService) RecentDeals(ctx context.Context, broker string, opts domain.ListOpts) ([]domain.DealRecord, error) {
	if s.journal == nil {
		return []domain.DealRecord{}, nil
	}
	recs, err := s.journal.ListRecent(ctx, broker, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: recent deals: %w", err)
	}
	return recs, nil
}

// Logout ends the sessions of every broker that supports it.
func (s *TradeService) Logout(ctx context.Context) error {
	var errs []error
	for _, name := range s.Brokers() {
		if sc, ok := s.brokers[name].(domain.SessionCloser); ok {
			if err := sc.Logout(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until pending journal writes and notifications finish.
func (s *TradeService) Wait() {
	s.wg.Wait()
}

// ----- Internal helpers -----

func (s *TradeService) allowed(broker, epic string) bool {
	set, limited := s.allow[broker]
	return !limited || set[epic]
}

// afterDeal journals and announces a deal outcome in the background. Calls
// rejected before reaching the broker are not recorded.
func (s *TradeService) afterDeal(ctx context.Context, broker string, op domain.DealOperation, conf domain.DealConfirmation, err error) {
	if err != nil && conf.DealReference == "" {
		if errors.Is(err, domain.ErrInvalidOrder) {
			return
		}
		s.logger.WarnContext(ctx, "deal failed",
			slog.String("broker", broker),
			slog.String("operation", string(op)),
			slog.String("error", err.Error()),
		)
		return
	}

	rec := domain.DealRecord{
		Broker:       broker,
		Operation:    op,
		Confirmation: conf,
		CreatedAt:    s.now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}

	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(bg, sideEffectTimeout)
		defer cancel()

		if s.journal != nil {
			if jerr := s.journal.Record(ctx, rec); jerr != nil {
				s.logger.ErrorContext(ctx, "journal write failed",
					slog.String("reference", string(conf.DealReference)),
					slog.String("error", jerr.Error()),
				)
			}
		}
		if nerr := s.notifier.NotifyDeal(ctx, broker, op, conf, err); nerr != nil {
			s.logger.WarnContext(ctx, "deal notification failed", slog.String("error", nerr.Error()))
		}
	}()
}

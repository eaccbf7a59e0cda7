package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// bookingRecord groups a booking with its payments under one lock so a
// booking and its payments are always observed in a consistent state.
type bookingRecord struct {
	mu       sync.Mutex
	booking  Booking
	payments []*Payment
}

// MemoryStore is an in-process Store. Index maps are guarded by mu; record
// contents by the record's own lock. A record lock may be held while taking
// mu, never the reverse.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*bookingRecord
	order    []string
	payments map[string]*bookingRecord
	tokens   map[string]*bookingRecord

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		bookings: make(map[string]*bookingRecord),
		payments: make(map[string]*bookingRecord),
		tokens:   make(map[string]*bookingRecord),
		now:      o.now,
	}
}

func (s *MemoryStore) CreateBooking(_ context.Context, b *Booking) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = BookingPending
	}
	now := s.now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return fmt.Errorf("booking %s already exists", b.ID)
	}
	s.bookings[b.ID] = &bookingRecord{booking: *b}
	s.order = append(s.order, b.ID)
	return nil
}

func (s *MemoryStore) record(id string) (*bookingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return rec, nil
}

func (s *MemoryStore) GetBooking(_ context.Context, id string) (Booking, error) {
	rec, err := s.record(id)
	if err != nil {
		return Booking{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.booking, nil
}

func (s *MemoryStore) ListBookings(_ context.Context, limit int) ([]Booking, error) {
	s.mu.RLock()
	recs := make([]*bookingRecord, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		recs = append(recs, s.bookings[s.order[i]])
		if limit > 0 && len(recs) == limit {
			break
		}
	}
	s.mu.RUnlock()

	out := make([]Booking, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.booking)
		rec.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) CancelBooking(_ context.Context, id string) (Booking, error) {
	rec, err := s.record(id)
	if err != nil {
		return Booking{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.booking.Status != BookingPending {
		return rec.booking, ErrBookingNotPending
	}
	rec.booking.Status = BookingCancelled
	rec.booking.UpdatedAt = s.now().UTC()
	return rec.booking, nil
}

func (s *MemoryStore) CreatePayment(_ context.Context, p *Payment) error {
	rec, err := s.record(p.BookingID)
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = PaymentInitiated
	}
	now := s.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.booking.Status != BookingPending {
		return ErrBookingNotPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; ok {
		return fmt.Errorf("payment %s already exists", p.ID)
	}
	if p.CorrelationToken != "" {
		if _, ok := s.tokens[p.CorrelationToken]; ok {
			return ErrDuplicateToken
		}
		s.tokens[p.CorrelationToken] = rec
	}
	stored := *p
	rec.payments = append(rec.payments, &stored)
	s.payments[p.ID] = rec
	return nil
}

func (s *MemoryStore) paymentRecord(id string) (*bookingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return rec, nil
}

func (s *MemoryStore) tokenRecord(token string) (*bookingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tokens[token]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return rec, nil
}

func (rec *bookingRecord) find(match func(*Payment) bool) *Payment {
	for _, p := range rec.payments {
		if match(p) {
			return p
		}
	}
	return nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id string) (Payment, error) {
	rec, err := s.paymentRecord(id)
	if err != nil {
		return Payment{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if p := rec.find(func(p *Payment) bool { return p.ID == id }); p != nil {
		return *p, nil
	}
	return Payment{}, ErrPaymentNotFound
}

func (s *MemoryStore) GetPaymentByToken(_ context.Context, token string) (Payment, error) {
	if token == "" {
		return Payment{}, ErrPaymentNotFound
	}
	rec, err := s.tokenRecord(token)
	if err != nil {
		return Payment{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if p := rec.find(func(p *Payment) bool { return p.CorrelationToken == token }); p != nil {
		return *p, nil
	}
	return Payment{}, ErrPaymentNotFound
}

func (s *MemoryStore) LatestPayment(_ context.Context, bookingID string) (Payment, error) {
	rec, err := s.record(bookingID)
	if err != nil {
		return Payment{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.payments) == 0 {
		return Payment{}, ErrPaymentNotFound
	}
	return *rec.payments[len(rec.payments)-1], nil
}

func (s *MemoryStore) ListPayments(_ context.Context, bookingID string) ([]Payment, error) {
	rec, err := s.record(bookingID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]Payment, 0, len(rec.payments))
	for _, p := range rec.payments {
		out = append(out, *p)
	}
	return out, nil
}

func (s *MemoryStore) SuccessfulPayment(_ context.Context, bookingID string) (Payment, error) {
	rec, err := s.record(bookingID)
	if err != nil {
		return Payment{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if p := rec.find(func(p *Payment) bool { return p.Status == PaymentSuccess }); p != nil {
		return *p, nil
	}
	return Payment{}, ErrPaymentNotFound
}

func (s *MemoryStore) AttachToken(_ context.Context, paymentID, token, merchantRequestID string, status PaymentStatus, reason string) (Payment, error) {
	if token == "" {
		return Payment{}, fmt.Errorf("attach token: empty token")
	}
	if status != PaymentPending && status != PaymentFailed {
		return Payment{}, fmt.Errorf("attach token: invalid status %q", status)
	}
	rec, err := s.paymentRecord(paymentID)
	if err != nil {
		return Payment{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	p := rec.find(func(p *Payment) bool { return p.ID == paymentID })
	if p == nil {
		return Payment{}, ErrPaymentNotFound
	}
	if p.CorrelationToken != "" || p.Status != PaymentInitiated {
		return *p, ErrTokenAssigned
	}

	s.mu.Lock()
	if _, ok := s.tokens[token]; ok {
		s.mu.Unlock()
		return *p, ErrDuplicateToken
	}
	s.tokens[token] = rec
	s.mu.Unlock()

	p.CorrelationToken = token
	p.MerchantRequestID = merchantRequestID
	p.Status = status
	if status == PaymentFailed {
		p.FailureReason = reason
		p.ResolvedBy = SourceInitiate
	}
	p.UpdatedAt = s.now().UTC()
	return *p, nil
}

func (s *MemoryStore) FailInitiated(_ context.Context, paymentID, reason string) (Payment, error) {
	rec, err := s.paymentRecord(paymentID)
	if err != nil {
		return Payment{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	p := rec.find(func(p *Payment) bool { return p.ID == paymentID })
	if p == nil {
		return Payment{}, ErrPaymentNotFound
	}
	if p.Status != PaymentInitiated {
		return *p, ErrAlreadyResolved
	}
	p.Status = PaymentFailed
	p.FailureReason = reason
	p.ResolvedBy = SourceInitiate
	p.UpdatedAt = s.now().UTC()
	return *p, nil
}

func (s *MemoryStore) Resolve(_ context.Context, r Resolution) (Transition, error) {
	if err := r.Validate(); err != nil {
		return Transition{}, err
	}
	rec, err := s.tokenRecord(r.Token)
	if err != nil {
		return Transition{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	p := rec.find(func(p *Payment) bool { return p.CorrelationToken == r.Token })
	if p == nil {
		return Transition{}, ErrPaymentNotFound
	}
	if p.Status.Terminal() {
		return Transition{Prior: p.Status, Payment: *p, Booking: rec.booking}, ErrAlreadyResolved
	}

	now := s.now().UTC()
	t := Transition{Prior: p.Status}
	p.ResolvedBy = r.Source
	p.UpdatedAt = now
	switch {
	case r.Status == PaymentSuccess && rec.booking.Status == BookingPending:
		p.Status = PaymentSuccess
		p.Receipt = r.Receipt
		rec.booking.Status = BookingPaid
		rec.booking.UpdatedAt = now
	case r.Status == PaymentSuccess:
		p.Status = PaymentFailed
		p.FailureReason = ReasonBookingNotPending
		t.Superseded = true
	default:
		p.Status = PaymentFailed
		p.FailureReason = r.Reason
	}
	t.Payment = *p
	t.Booking = rec.booking
	return t, nil
}

func (s *MemoryStore) snapshot() []*bookingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]*bookingRecord, 0, len(s.bookings))
	for _, id := range s.order {
		recs = append(recs, s.bookings[id])
	}
	return recs
}

func (s *MemoryStore) collect(match func(*Payment) bool) []Payment {
	var out []Payment
	for _, rec := range s.snapshot() {
		rec.mu.Lock()
		for _, p := range rec.payments {
			if match(p) {
				out = append(out, *p)
			}
		}
		rec.mu.Unlock()
	}
	return out
}

func (s *MemoryStore) ListUnresolved(_ context.Context, olderThan time.Time, limit int) ([]Payment, error) {
	out := s.collect(func(p *Payment) bool {
		return p.CorrelationToken != "" && !p.Status.Terminal() && p.UpdatedAt.Before(olderThan)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPaymentsSince(_ context.Context, since time.Time) ([]Payment, error) {
	out := s.collect(func(p *Payment) bool { return !p.CreatedAt.Before(since) })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

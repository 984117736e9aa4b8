package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/platform/db"
)

const (
	labStatusOrdered    = "ordered"
	labStatusInProgress = "in_progress"
)

type Service struct {
	accounts  AccountRepository
	items     ItemRepository
	sources   SourceRepository
	discounts *DiscountResolver
	tx        Transactor
	caps      Capabilities
	fees      *FeeSchedule
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(acc AccountRepository, it ItemRepository, src SourceRepository, cov CoverageRepository, tx Transactor, caps Capabilities) *Service {
	return &Service{
		accounts:  acc,
		items:     it,
		sources:   src,
		discounts: NewDiscountResolver(cov, caps),
		tx:        tx,
		caps:      caps,
		fees:      NewFeeSchedule(decimal.NewFromInt(500)),
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
}

// SetLogger sets the fallback logger used when a request carries none.
func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// SetFeeSchedule replaces the appointment fee schedule.
func (s *Service) SetFeeSchedule(f *FeeSchedule) { s.fees = f }

// SetClock overrides the time source for discounts and room days.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.discounts.now = now
}

// FeeSchedule returns the appointment fee schedule in use.
func (s *Service) FeeSchedule() *FeeSchedule { return s.fees }

// Capabilities returns the schema capabilities the service runs with.
func (s *Service) Capabilities() Capabilities { return s.caps }

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

// storeErr maps store timeouts and connection failures onto ErrTransient and
// leaves domain errors untouched.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	if db.IsTransient(err) || errors.Is(err, db.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// -- Account Locator/Creator --

// GetOrCreateAccount returns the open account for (patientID, admissionID),
// creating it when the scope has none. The boolean reports creation.
func (s *Service) GetOrCreateAccount(ctx context.Context, patientID int64, admissionID, createdBy *int64) (*Account, bool, error) {
	if patientID <= 0 {
		return nil, false, ErrNoPatient
	}
	var (
		acct    *Account
		created bool
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		created = false
		a, err := s.accounts.FindOpen(ctx, patientID, admissionID)
		if err == nil {
			acct = a
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		id, err := s.accounts.InsertOpen(ctx, patientID, admissionID, createdBy)
		if err != nil {
			if db.IsTransient(err) || db.IsRetryable(err) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrAccountCreation, err)
		}
		// Re-read the canonical row. A zero id means a concurrent request
		// won the insert and its account is the one to use.
		a, err = s.accounts.FindOpen(ctx, patientID, admissionID)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: no open account after insert for patient %d", ErrAccountCreation, patientID)
		}
		if err != nil {
			return err
		}
		acct, created = a, id != 0
		return nil
	})
	if err != nil {
		return nil, false, storeErr(err)
	}
	if created {
		s.log(ctx).Info().
			Int64("billing_id", acct.BillingID).
			Int64("patient_id", patientID).
			Interface("admission_id", admissionID).
			Msg("billing account created")
	}
	return acct, created, nil
}

// -- Charge Insertion Engine --

// ChargeRequest attaches one source record to an account. A nil UnitPrice
// takes the source's own price where it has one; a zero Quantity takes the
// source's default.
type ChargeRequest struct {
	BillingID int64            `json:"-"`
	SourceID  int64            `json:"source_id"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	Quantity  int              `json:"quantity,omitempty"`
	CreatedBy *int64           `json:"-"`
}

// chargeDraft is a priced charge ready for insertion.
type chargeDraft struct {
	ref          SourceRef
	patientID    int64
	description  string
	unitPrice    decimal.Decimal
	quantity     int
	discountable bool
}

func (s *Service) AddAppointmentCharge(ctx context.Context, req ChargeRequest) (*AttachResult, error) {
	ref := SourceRef{Kind: SourceAppointment, ID: req.SourceID}
	return s.attach(ctx, req, ref, func(ctx context.Context) (*chargeDraft, error) {
		a, err := s.sources.Appointment(ctx, req.SourceID)
		if err != nil {
			return nil, err
		}
		pid, ok := patientOf(a.PatientID)
		if !ok {
			return nil, fmt.Errorf("appointment %d: %w", a.AppointmentID, ErrNoPatient)
		}
		price := s.fees.Fee(a.AppointmentType)
		if req.UnitPrice != nil {
			price = *req.UnitPrice
		}
		return &chargeDraft{
			ref:         ref,
			patientID:   pid,
			description: a.description(),
			unitPrice:   price,
			quantity:    quantityOr(req.Quantity, 1),
		}, nil
	})
}

func (s *Service) AddPrescriptionCharge(ctx context.Context, req ChargeRequest) (*AttachResult, error) {
	ref := SourceRef{Kind: SourcePrescription, ID: req.SourceID}
	return s.attach(ctx, req, ref, func(ctx context.Context) (*chargeDraft, error) {
		p, err := s.sources.Prescription(ctx, req.SourceID)
		if err != nil {
			return nil, err
		}
		pid, ok := patientOf(p.PatientID)
		if !ok {
			return nil, fmt.Errorf("prescription %d: %w", p.PrescriptionID, ErrNoPatient)
		}
		if req.UnitPrice == nil {
			return nil, fmt.Errorf("prescription %d has no unit price: %w", p.PrescriptionID, ErrInvalidAmount)
		}
		return &chargeDraft{
			ref:          ref,
			patientID:    pid,
			description:  p.description(),
			unitPrice:    *req.UnitPrice,
			quantity:     quantityOr(req.Quantity, quantityOr(p.Quantity, 1)),
			discountable: true,
		}, nil
	})
}

func (s *Service) AddLabOrderCharge(ctx context.Context, req ChargeRequest) (*AttachResult, error) {
	ref := SourceRef{Kind: SourceLabOrder, ID: req.SourceID}
	return s.attach(ctx, req, ref, func(ctx context.Context) (*chargeDraft, error) {
		l, err := s.sources.LabOrder(ctx, req.SourceID)
		if err != nil {
			return nil, err
		}
		pid, ok := patientOf(l.PatientID)
		if !ok {
			return nil, fmt.Errorf("lab order %d: %w", l.LabOrderID, ErrNoPatient)
		}
		var price decimal.Decimal
		switch {
		case req.UnitPrice != nil:
			price = *req.UnitPrice
		case l.Price.Valid:
			price = l.Price.Decimal
		default:
			return nil, fmt.Errorf("lab order %d has no price: %w", l.LabOrderID, ErrInvalidAmount)
		}
		return &chargeDraft{
			ref:          ref,
			patientID:    pid,
			description:  l.description(),
			unitPrice:    price,
			quantity:     quantityOr(req.Quantity, 1),
			discountable: true,
		}, nil
	})
}

func (s *Service) AddRoomCharge(ctx context.Context, req ChargeRequest) (*AttachResult, error) {
	ref := SourceRef{Kind: SourceRoomAssignment, ID: req.SourceID}
	return s.attach(ctx, req, ref, func(ctx context.Context) (*chargeDraft, error) {
		ra, err := s.sources.RoomAssignment(ctx, req.SourceID)
		if err != nil {
			return nil, err
		}
		pid, ok := patientOf(ra.PatientID)
		if !ok {
			return nil, fmt.Errorf("room assignment %d: %w", ra.RoomAssignmentID, ErrNoPatient)
		}
		rate, ok := ra.Rate(req.UnitPrice)
		if !ok {
			return nil, fmt.Errorf("room assignment %d has no valid room rate: %w", ra.RoomAssignmentID, ErrInvalidAmount)
		}
		days := quantityOr(req.Quantity, ra.ChargeableDays(s.now()))
		return &chargeDraft{
			ref:          ref,
			patientID:    pid,
			description:  ra.description(days),
			unitPrice:    rate,
			quantity:     days,
			discountable: true,
		}, nil
	})
}

// ManualItem is a charge with no clinical source.
type ManualItem struct {
	Description   string          `json:"description"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Quantity      int             `json:"quantity"`
	ApplyDiscount bool            `json:"apply_discount"`
	CreatedBy     *int64          `json:"-"`
}

// AddManualItem adds a free-form charge to an open account.
func (s *Service) AddManualItem(ctx context.Context, billingID int64, m ManualItem) (*AttachResult, error) {
	if strings.TrimSpace(m.Description) == "" {
		return nil, fmt.Errorf("description is required: %w", ErrInvalidInput)
	}
	req := ChargeRequest{BillingID: billingID, Quantity: m.Quantity, CreatedBy: m.CreatedBy}
	ref := SourceRef{Kind: SourceManual}
	return s.attach(ctx, req, ref, func(ctx context.Context) (*chargeDraft, error) {
		acct, err := s.accounts.GetByID(ctx, billingID)
		if err != nil {
			return nil, err
		}
		return &chargeDraft{
			ref:          ref,
			patientID:    acct.PatientID,
			description:  strings.TrimSpace(m.Description),
			unitPrice:    m.UnitPrice,
			quantity:     quantityOr(m.Quantity, 1),
			discountable: m.ApplyDiscount,
		}, nil
	})
}

func quantityOr(q, def int) int {
	if q > 0 {
		return q
	}
	return def
}

// attach runs the shared insertion pipeline: load and price the source and
// resolve its discount, then under the account's row lock check idempotency
// and lab uniqueness and insert exactly once. The discount lookup stays out
// of the transaction so a failed query cannot abort the insert.
func (s *Service) attach(ctx context.Context, req ChargeRequest, ref SourceRef, load func(ctx context.Context) (*chargeDraft, error)) (*AttachResult, error) {
	if req.Quantity < 0 {
		return nil, fmt.Errorf("quantity must be at least 1: %w", ErrInvalidInput)
	}
	draft, err := load(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	if draft.unitPrice.IsNegative() {
		return nil, fmt.Errorf("unit price %s: %w", draft.unitPrice, ErrInvalidAmount)
	}
	disc := s.discountFor(ctx, draft)

	var result *AttachResult
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		acct, err := s.accounts.LockByID(ctx, req.BillingID)
		if err != nil {
			return err
		}
		if acct.PatientID != draft.patientID {
			return fmt.Errorf("%s is for patient %d, account %d is for patient %d: %w",
				ref, draft.patientID, acct.BillingID, acct.PatientID, ErrPatientMismatch)
		}
		// A source already on this account is a success even once it is paid.
		if ref.Kind != SourceManual {
			if existing, err := s.alreadyAttached(ctx, acct.BillingID, ref); err != nil || existing != nil {
				result = existing
				return err
			}
		}
		if !acct.IsOpen() {
			return fmt.Errorf("billing account %d: %w", acct.BillingID, ErrAccountClosed)
		}

		item := &Item{
			BillingID:   acct.BillingID,
			PatientID:   draft.patientID,
			Description: draft.description,
			Quantity:    draft.quantity,
			UnitPrice:   draft.unitPrice.Round(2),
			CreatedBy:   req.CreatedBy,
		}
		item.SetSource(ref)
		item.applyAmounts(disc.Percentage)

		inserted, err := s.items.Insert(ctx, item)
		if err != nil {
			return err
		}
		if !inserted {
			// A unique index caught a concurrent attach of the same source.
			existing, err := s.alreadyAttached(ctx, acct.BillingID, ref)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("%s: insert skipped without a conflicting item: %w", ref, ErrDuplicateAcrossAccounts)
			}
			result = existing
			return nil
		}
		result = &AttachResult{
			BillingID: acct.BillingID,
			Source:    ref,
			Item:      item,
			Message:   fmt.Sprintf("%s added to billing account %d", ref, acct.BillingID),
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}

	evt := s.log(ctx).Info()
	if result.AlreadyAttached {
		evt = s.log(ctx).Debug()
	}
	evt.Int64("billing_id", result.BillingID).
		Str("source", ref.String()).
		Bool("already_attached", result.AlreadyAttached).
		Msg("billing charge")
	return result, nil
}

// alreadyAttached returns a success result when ref is already billed on the
// account and ErrDuplicateAcrossAccounts when a lab order is billed elsewhere.
func (s *Service) alreadyAttached(ctx context.Context, billingID int64, ref SourceRef) (*AttachResult, error) {
	existing, err := s.items.FindBySource(ctx, billingID, ref)
	if err == nil {
		return &AttachResult{
			BillingID:       billingID,
			Source:          ref,
			Item:            existing,
			AlreadyAttached: true,
			Message:         fmt.Sprintf("%s already added to billing account %d", ref, billingID),
		}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if ref.Kind == SourceLabOrder {
		other, err := s.items.FindAnyBySource(ctx, ref)
		if err == nil && other.BillingID != billingID {
			return nil, fmt.Errorf("lab order %d is billed on account %d: %w", ref.ID, other.BillingID, ErrDuplicateAcrossAccounts)
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// BilledCharge reports the earliest item billing ref on any account, or nil
// when the source has not been charged.
func (s *Service) BilledCharge(ctx context.Context, ref SourceRef) (*AttachResult, error) {
	if ref.Kind == SourceManual || ref.Kind == "" {
		return nil, nil
	}
	it, err := s.items.FindAnyBySource(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &AttachResult{
		BillingID:       it.BillingID,
		Source:          ref,
		Item:            it,
		AlreadyAttached: true,
		Message:         fmt.Sprintf("%s already added to billing account %d", ref, it.BillingID),
	}, nil
}

// discountFor resolves the discount for a draft. Appointments are exempt and
// a failed lookup bills at 0% rather than blocking the charge.
func (s *Service) discountFor(ctx context.Context, d *chargeDraft) Discount {
	if !d.discountable {
		return NoDiscount(DiscountExempt)
	}
	if !s.caps.ItemDiscountPercentage {
		return NoDiscount(DiscountNone)
	}
	disc, err := s.discounts.Resolve(ctx, d.patientID)
	if err != nil {
		s.log(ctx).Warn().Err(err).
			Int64("patient_id", d.patientID).
			Str("source", d.ref.String()).
			Msg("insurance discount lookup failed, billing without discount")
		return NoDiscount(DiscountNone)
	}
	return disc
}

// ResolveDiscount exposes the resolver for display. Unlike charge insertion it
// reports lookup failures.
func (s *Service) ResolveDiscount(ctx context.Context, patientID int64) (Discount, error) {
	d, err := s.discounts.Resolve(ctx, patientID)
	return d, storeErr(err)
}

// -- Aggregator --

// GetAccount assembles the display view of an account with totals recomputed
// from its items.
func (s *Service) GetAccount(ctx context.Context, billingID int64) (*AccountView, error) {
	acct, err := s.accounts.GetByID(ctx, billingID)
	if err != nil {
		return nil, storeErr(err)
	}
	view := &AccountView{Account: *acct}

	info, err := s.accounts.PatientInfo(ctx, acct.PatientID)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		info = &PatientInfo{PatientID: acct.PatientID}
	default:
		return nil, storeErr(err)
	}
	view.PatientName = info.DisplayName()
	view.PatientType = info.Type()

	if view.PatientType == PatientInpatient && acct.AdmissionID != nil && s.caps.Admissions {
		adm, err := s.accounts.AdmissionSummary(ctx, *acct.AdmissionID)
		switch {
		case err == nil:
			view.Admission = adm
		case errors.Is(err, ErrNotFound):
		default:
			return nil, storeErr(err)
		}
	}

	items, err := s.items.ListByAccount(ctx, billingID)
	if err != nil {
		return nil, storeErr(err)
	}
	view.Items = s.itemViews(ctx, items)
	view.Totals = Summarize(items)
	return view, nil
}

// itemViews annotates lab items with the order's live test and status. The
// annotation is display-only and a failed lookup leaves descriptions as stored.
func (s *Service) itemViews(ctx context.Context, items []*Item) []ItemView {
	var labIDs []int64
	for _, it := range items {
		if it.LabOrderID != nil {
			labIDs = append(labIDs, *it.LabOrderID)
		}
	}
	var details map[int64]LabOrderDetail
	if len(labIDs) > 0 {
		var err error
		details, err = s.sources.LabOrderDetails(ctx, labIDs)
		if err != nil {
			s.log(ctx).Warn().Err(err).Msg("lab order details unavailable for billing view")
		}
	}

	views := make([]ItemView, 0, len(items))
	for _, it := range items {
		v := ItemView{Item: it, Description: it.Description}
		if it.LabOrderID != nil {
			if d, ok := details[*it.LabOrderID]; ok {
				v.Description = labDisplayDescription(it.Description, d)
			}
		}
		views = append(views, v)
	}
	return views
}

func labDisplayDescription(stored string, d LabOrderDetail) string {
	status := strings.ReplaceAll(strings.ToLower(d.Status), "_", " ")
	if d.TestName == "" {
		return fmt.Sprintf("%s (%s)", stored, status)
	}
	return fmt.Sprintf("%s - %s (%s)", stored, d.TestName, status)
}

// ListAccounts lists accounts that carry at least one item.
func (s *Service) ListAccounts(ctx context.Context, f AccountFilter, limit, offset int) ([]*AccountSummary, int, error) {
	out, total, err := s.accounts.List(ctx, f, limit, offset)
	return out, total, storeErr(err)
}

// DeleteAccount removes an account and its items.
func (s *Service) DeleteAccount(ctx context.Context, billingID int64) error {
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.accounts.Delete(ctx, billingID)
	})
	if err != nil {
		return storeErr(err)
	}
	s.log(ctx).Info().Int64("billing_id", billingID).Msg("billing account deleted")
	return nil
}

// -- Status Transition Handler --

// SetStatus moves an account to Open or Paid under a row lock. Every request
// for Paid, repeated ones included, advances the account's ordered lab orders
// to in progress; that cascade is best-effort and runs after commit.
func (s *Service) SetStatus(ctx context.Context, billingID int64, raw string) (*StatusResult, error) {
	target, ok := ParseStatus(raw)
	if !ok {
		return nil, fmt.Errorf("%q: %w", raw, ErrInvalidStatus)
	}
	if !s.caps.AccountStatus {
		return nil, fmt.Errorf("billing status: %w", ErrSchemaUnsupported)
	}

	res := &StatusResult{BillingID: billingID, Status: target}
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		acct, err := s.accounts.LockByID(ctx, billingID)
		if err != nil {
			return err
		}
		res.Previous = acct.Status
		res.Changed = acct.Status != target
		if !res.Changed {
			return nil
		}
		n, err := s.accounts.UpdateStatus(ctx, billingID, target)
		if err != nil {
			return err
		}
		if n == 0 {
			cur, err := s.accounts.GetByID(ctx, billingID)
			if err != nil {
				return err
			}
			if cur.Status != target {
				return fmt.Errorf("billing account %d is %s, wanted %s: %w", billingID, cur.Status, target, ErrStatusNotApplied)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStatusNotApplied) {
			s.log(ctx).Warn().Err(err).Int64("billing_id", billingID).Msg("billing status update affected no rows")
		}
		return nil, storeErr(err)
	}

	if res.Changed {
		s.log(ctx).Info().
			Int64("billing_id", billingID).
			Str("from", string(res.Previous)).
			Str("to", string(target)).
			Msg("billing status changed")
		res.Message = fmt.Sprintf("billing account %d marked %s", billingID, target)
	} else {
		res.Message = fmt.Sprintf("billing account %d already %s", billingID, target)
	}

	if target == StatusPaid && s.caps.LabOrders {
		s.advanceLabOrders(ctx, res)
	}
	return res, nil
}

func (s *Service) advanceLabOrders(ctx context.Context, res *StatusResult) {
	ids, err := s.items.LabOrderIDs(ctx, res.BillingID)
	if err != nil {
		res.CascadeFailures++
		s.log(ctx).Warn().Err(err).Int64("billing_id", res.BillingID).Msg("list lab orders for payment cascade")
		return
	}
	for _, id := range ids {
		advanced, err := s.sources.AdvanceLabOrder(ctx, id, labStatusOrdered, labStatusInProgress)
		if err != nil {
			res.CascadeFailures++
			s.log(ctx).Warn().Err(err).
				Int64("billing_id", res.BillingID).
				Int64("lab_order_id", id).
				Msg("advance lab order after payment")
			continue
		}
		if advanced {
			res.LabOrdersAdvanced = append(res.LabOrdersAdvanced, id)
		}
	}
}

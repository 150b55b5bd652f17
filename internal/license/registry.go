// Package license issues license keys and manages their lifecycle.
package license

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/licensedesk/licensedesk/internal/audit"
	"github.com/licensedesk/licensedesk/internal/metrics"
	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/store"
)

const (
	maxKeyAttempts = 5
	MaxBulkCount   = 500

	tempPasswordLen      = 12
	tempPasswordAlphabet = "abcdefghjkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Options configures a Registry.
type Options struct {
	KeyPrefix         string
	DefaultMaxDevices int
	MinAmount         int64
	IdentitySalt      []byte
	BcryptCost        int

	// Now and KeyGen are replaced in tests.
	Now    func() time.Time
	KeyGen func(prefix string) (string, error)
}

// Identity is the customer data attached to a payment. It is hashed before
// it reaches the store.
type Identity struct {
	Email    string
	Document string
}

// CreateRequest asks for licenses created by an admin rather than a payment.
type CreateRequest struct {
	Origin     model.LicenseOrigin
	MaxDevices int
	Count      int
	Email      string // optional owner, gives the member area access
}

// Registry owns license creation and status changes.
type Registry struct {
	store  *store.Store
	opts   Options
	logger *slog.Logger
}

// NewRegistry creates a Registry backed by st.
func NewRegistry(st *store.Store, opts Options, logger *slog.Logger) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.KeyGen == nil {
		opts.KeyGen = GenerateKey
	}
	if opts.DefaultMaxDevices <= 0 {
		opts.DefaultMaxDevices = 3
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: st, opts: opts, logger: logger}
}

func (r *Registry) now() time.Time { return r.opts.Now().UTC() }

// HashEmail returns the keyed hash of a normalized email address.
func (r *Registry) HashEmail(email string) string {
	return HashIdentity(r.opts.IdentitySalt, NormalizeEmail(email))
}

// HashDocument returns the keyed hash of a normalized document number.
func (r *Registry) HashDocument(doc string) string {
	return HashIdentity(r.opts.IdentitySalt, NormalizeDocument(doc))
}

// IssueForPayment returns the license for a paid transaction, creating it on
// first call. Payments below the configured minimum return (nil, nil).
func (r *Registry) IssueForPayment(ctx context.Context, transactionID string, amount int64, id Identity) (*model.License, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrInvalidRequest)
	}

	existing, err := r.store.GetLicenseByTransaction(ctx, transactionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if amount < r.opts.MinAmount {
		r.logger.Info("payment below license minimum, no license issued",
			"transaction_id", transactionID, "amount", amount, "min_amount", r.opts.MinAmount)
		return nil, nil
	}

	at := r.now()
	lic := &model.License{
		Status:               model.LicenseActive,
		Origin:               model.OriginAutomatic,
		MaxDevices:           r.opts.DefaultMaxDevices,
		TransactionID:        &transactionID,
		CustomerEmailHash:    r.HashEmail(id.Email),
		CustomerDocumentHash: r.HashDocument(id.Document),
		CreatedAt:            at,
	}
	if err := r.insertWithFreshKey(ctx, lic); err != nil {
		if errors.Is(err, errTransactionTaken) {
			return r.store.GetLicenseByTransaction(ctx, transactionID)
		}
		return nil, err
	}

	if err := audit.Record(ctx, r.store, audit.Entry{
		License:  lic,
		Action:   model.ActionCreated,
		Actor:    model.ActorPayment,
		Metadata: map[string]any{"transaction_id": transactionID, "amount": amount},
		At:       at,
	}); err != nil {
		return nil, err
	}
	metrics.Get().LicenseIssued(string(model.OriginAutomatic))
	r.logger.Info("license issued", "license_id", lic.ID, "transaction_id", transactionID)
	return lic, nil
}

var errTransactionTaken = errors.New("transaction already has a license")

// insertWithFreshKey inserts lic under a newly generated key, retrying on key
// collisions. errTransactionTaken is returned when a concurrent issuance won
// the same transaction.
func (r *Registry) insertWithFreshKey(ctx context.Context, lic *model.License) error {
	for attempt := 1; attempt <= maxKeyAttempts; attempt++ {
		key, err := r.opts.KeyGen(r.opts.KeyPrefix)
		if err != nil {
			return fmt.Errorf("generate license key: %w", err)
		}
		lic.ID = ""
		lic.Key = key

		err = r.store.InsertLicense(ctx, lic)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		if lic.TransactionID != nil {
			if _, err := r.store.GetLicenseByTransaction(ctx, *lic.TransactionID); err == nil {
				return errTransactionTaken
			}
		}
		r.logger.Warn("license key collision", "attempt", attempt)
	}
	return ErrKeyGenerationExhausted
}

// Create makes admin-issued licenses. They wait for their first device
// binding in awaiting_activation.
func (r *Registry) Create(ctx context.Context, req CreateRequest, actor string) ([]model.License, error) {
	if req.Origin == "" {
		req.Origin = model.OriginManual
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Origin == model.OriginManual && req.Count != 1 {
		return nil, fmt.Errorf("%w: manual creation makes exactly one license", ErrInvalidRequest)
	}
	if req.Count > MaxBulkCount {
		return nil, fmt.Errorf("%w: at most %d licenses per request", ErrInvalidRequest, MaxBulkCount)
	}
	if req.MaxDevices < 0 {
		return nil, fmt.Errorf("%w: max_devices must be positive", ErrInvalidRequest)
	}
	if req.MaxDevices == 0 {
		req.MaxDevices = r.opts.DefaultMaxDevices
	}

	at := r.now()
	emailHash := ""
	if req.Email != "" {
		emailHash = r.HashEmail(req.Email)
		if _, err := r.store.EnsureMember(ctx, NormalizeEmail(req.Email), emailHash, at); err != nil {
			return nil, err
		}
	}

	out := make([]model.License, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		lic := &model.License{
			Status:            model.LicenseAwaitingActivation,
			Origin:            req.Origin,
			MaxDevices:        req.MaxDevices,
			CustomerEmailHash: emailHash,
			CreatedAt:         at,
		}
		if err := r.insertWithFreshKey(ctx, lic); err != nil {
			return out, err
		}
		if err := audit.Record(ctx, r.store, audit.Entry{
			License:  lic,
			Action:   model.ActionCreated,
			Actor:    actor,
			Metadata: map[string]any{"origin": string(req.Origin)},
			At:       at,
		}); err != nil {
			return out, err
		}
		metrics.Get().LicenseIssued(string(req.Origin))
		out = append(out, *lic)
	}
	return out, nil
}

// Get returns a license by ID.
func (r *Registry) Get(ctx context.Context, id string) (*model.License, error) {
	return r.store.GetLicense(ctx, id)
}

// GetByKey returns a license by its key, normalizing customer input.
func (r *Registry) GetByKey(ctx context.Context, key string) (*model.License, error) {
	return r.store.GetLicenseByKey(ctx, NormalizeKey(key))
}

// List returns licenses matching f.
func (r *Registry) List(ctx context.Context, f model.LicenseFilter) ([]model.License, error) {
	return r.store.ListLicenses(ctx, f)
}

// ListForEmail returns the licenses owned by a customer email.
func (r *Registry) ListForEmail(ctx context.Context, email string) ([]model.License, error) {
	return r.store.ListLicensesByEmailHash(ctx, r.HashEmail(email))
}

// CountByStatus returns how many licenses sit in each status.
func (r *Registry) CountByStatus(ctx context.Context) (map[model.LicenseStatus]int, error) {
	return r.store.CountLicensesByStatus(ctx)
}

// Logs returns the most recent activity of a license.
func (r *Registry) Logs(ctx context.Context, id string, limit int) ([]model.LogEntry, error) {
	if _, err := r.store.GetLicense(ctx, id); err != nil {
		return nil, err
	}
	return r.store.ListLogs(ctx, id, limit)
}

// SetStatus moves a license to status on behalf of an admin. Requesting the
// current status changes nothing.
func (r *Registry) SetStatus(ctx context.Context, id string, status model.LicenseStatus, actor string) (*model.License, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	lic, err := r.store.GetLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	if lic.Status == status {
		return lic, nil
	}
	if !CanTransition(lic.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, lic.Status, status)
	}

	ok, err := r.Transition(ctx, lic, lic.Status, status, actor, model.StatusChangedAction(status), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("license %s changed concurrently: %w", id, store.ErrConflict)
	}
	return lic, nil
}

// Transition moves lic from one status to another if it is still in from,
// then logs action with {previous, new} merged into meta. It reports whether
// the change was applied. Sessions of a license that leaves the usable
// states are ended at once. The status change, the session expiry and the
// log entry commit together. lic is updated in place on success.
func (r *Registry) Transition(ctx context.Context, lic *model.License, from, to model.LicenseStatus, actor, action string, meta map[string]any) (bool, error) {
	at := r.now()
	if meta == nil {
		meta = make(map[string]any, 2)
	}
	meta["previous"] = string(from)
	meta["new"] = string(to)

	ok, err := r.store.ChangeLicenseStatus(ctx, store.LicenseChange{
		LicenseID:   lic.ID,
		From:        from,
		To:          to,
		At:          at,
		EndSessions: !to.Usable(),
		Log: func(applied bool) (*model.LogEntry, error) {
			if !applied {
				return nil, nil
			}
			return audit.Build(audit.Entry{License: lic, Action: action, Actor: actor, Metadata: meta, At: at})
		},
	})
	if err != nil || !ok {
		return false, err
	}
	lic.Status = to
	lic.StatusChangedAt = at
	lic.UpdatedAt = at

	metrics.Get().LogEntry(action)
	metrics.Get().StatusChanged(string(to))
	r.logger.Info("license status changed",
		"license_id", lic.ID, "from", from, "to", to, "actor", actor)
	return true, nil
}

// SetMaxDevices changes the device ceiling of a license.
func (r *Registry) SetMaxDevices(ctx context.Context, id string, maxDevices int, actor string) (*model.License, error) {
	if maxDevices <= 0 {
		return nil, fmt.Errorf("%w: max_devices must be positive", ErrInvalidRequest)
	}
	lic, err := r.store.GetLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	if lic.MaxDevices == maxDevices {
		return lic, nil
	}
	at := r.now()
	if err := r.store.SetMaxDevices(ctx, id, maxDevices, at); err != nil {
		return nil, err
	}
	previous := lic.MaxDevices
	lic.MaxDevices = maxDevices
	lic.UpdatedAt = at
	err = audit.Record(ctx, r.store, audit.Entry{
		License:  lic,
		Action:   model.ActionMaxDevicesChanged,
		Actor:    actor,
		Metadata: map[string]any{"previous": previous, "new": maxDevices},
		At:       at,
	})
	return lic, err
}

// ResetDevices removes every binding of a license and returns how many were
// removed.
func (r *Registry) ResetDevices(ctx context.Context, id, actor string) (int64, error) {
	lic, err := r.store.GetLicense(ctx, id)
	if err != nil {
		return 0, err
	}
	return r.resetDevices(ctx, lic, actor)
}

func (r *Registry) resetDevices(ctx context.Context, lic *model.License, actor string) (int64, error) {
	at := r.now()
	removed, err := r.store.ResetDevices(ctx, lic.ID, at)
	if err != nil {
		return 0, err
	}
	if _, err := r.store.ExpireLicenseSessions(ctx, lic.ID, at); err != nil {
		return removed, err
	}
	lic.ActivatedAt = nil
	err = audit.Record(ctx, r.store, audit.Entry{
		License:  lic,
		Action:   model.ActionDeviceResetByAdmin,
		Actor:    actor,
		Metadata: map[string]any{"removed": removed},
		At:       at,
	})
	return removed, err
}

// SuspendAll suspends every active license and returns how many changed.
func (r *Registry) SuspendAll(ctx context.Context, actor string) (int, error) {
	active, err := r.store.ListLicenses(ctx, model.LicenseFilter{Status: model.LicenseActive})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range active {
		ok, err := r.Transition(ctx, &active[i], model.LicenseActive, model.LicenseSuspended, actor,
			model.StatusChangedAction(model.LicenseSuspended), map[string]any{"bulk": true})
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	r.logger.Info("suspended all active licenses", "count", n, "actor", actor)
	return n, nil
}

// ResetAllDevices clears the bindings of every license that has any and
// returns the number of licenses reset.
func (r *Registry) ResetAllDevices(ctx context.Context, actor string) (int, error) {
	all, err := r.store.ListLicenses(ctx, model.LicenseFilter{})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range all {
		lic := &all[i]
		count, err := r.store.CountActiveDevices(ctx, lic.ID)
		if err != nil {
			return n, err
		}
		if count == 0 && lic.ActivatedAt == nil {
			continue
		}
		if _, err := r.resetDevices(ctx, lic, actor); err != nil {
			return n, err
		}
		n++
	}
	r.logger.Info("reset devices of all licenses", "count", n, "actor", actor)
	return n, nil
}

// ResetPassword gives the member owning a license a new temporary password
// and returns it in plaintext. Only its bcrypt hash is stored.
func (r *Registry) ResetPassword(ctx context.Context, id, actor string) (string, error) {
	lic, err := r.store.GetLicense(ctx, id)
	if err != nil {
		return "", err
	}
	if lic.CustomerEmailHash == "" {
		return "", ErrNoMember
	}
	member, err := r.store.GetMemberByEmailHash(ctx, lic.CustomerEmailHash)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoMember
	}
	if err != nil {
		return "", err
	}

	password, err := tempPassword()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.opts.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	at := r.now()
	if err := r.store.SetMemberPassword(ctx, member.ID, string(hash), at); err != nil {
		return "", err
	}
	if err := audit.Record(ctx, r.store, audit.Entry{
		License: lic,
		Action:  model.ActionPasswordResetByAdmin,
		Actor:   actor,
		At:      at,
	}); err != nil {
		return "", err
	}
	return password, nil
}

func tempPassword() (string, error) {
	buf := make([]byte, tempPasswordLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = tempPasswordAlphabet[int(b)%len(tempPasswordAlphabet)]
	}
	return string(buf), nil
}

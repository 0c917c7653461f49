// Package solver holds Solver decorators shared by every solver backend.
package solver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/decaptcha-crawler/internal/archive"
	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
)

// DefaultArchivePrefix is the object prefix for archived challenge images.
const DefaultArchivePrefix = "challenges"

// Archiving stores every challenge image before handing it to the wrapped
// solver. Archive failures are logged and never block the solve.
type Archiving struct {
	next   decaptcha.Solver
	store  archive.Store
	prefix string
	clock  func() time.Time
	logger *zap.Logger
}

// ArchivingOption configures an Archiving solver.
type ArchivingOption func(*Archiving)

// WithPrefix overrides the object prefix.
func WithPrefix(prefix string) ArchivingOption {
	return func(a *Archiving) {
		if prefix != "" {
			a.prefix = prefix
		}
	}
}

// WithClock overrides the clock used for dated object names.
func WithClock(clock func() time.Time) ArchivingOption {
	return func(a *Archiving) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ArchivingOption {
	return func(a *Archiving) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewArchiving wraps next with image archiving into store.
func NewArchiving(next decaptcha.Solver, store archive.Store, opts ...ArchivingOption) (*Archiving, error) {
	if next == nil {
		return nil, errors.New("archiving solver needs a solver to wrap")
	}
	if store == nil {
		return nil, errors.New("archiving solver needs a store")
	}
	a := &Archiving{
		next:   next,
		store:  store,
		prefix: DefaultArchivePrefix,
		clock:  time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Solve implements decaptcha.Solver.
func (a *Archiving) Solve(ctx context.Context, image []byte) (string, error) {
	contentType := http.DetectContentType(image)
	path := archive.ObjectPath(a.prefix, a.clock(), contentType, image)
	if uri, err := a.store.PutObject(ctx, path, contentType, bytes.NewReader(image)); err != nil {
		a.logger.Warn("Failed to archive CAPTCHA image", zap.String("path", path), zap.Error(err))
	} else {
		a.logger.Debug("Archived CAPTCHA image", zap.String("uri", uri))
	}
	return a.next.Solve(ctx, image)
}

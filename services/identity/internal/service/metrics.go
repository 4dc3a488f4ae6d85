package service

import (
	"errors"

	"github.com/AfshinJalili/identity/services/identity/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	UseCases *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		UseCases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_usecase_total",
			Help: "Identity use case invocations by outcome.",
		}, []string{"usecase", "result"}),
	}
	if registry != nil {
		registry.MustRegister(m.UseCases)
	}
	return m
}

var resultKinds = []struct {
	err   error
	label string
}{
	{domain.ErrInvalidRequest, "invalid_request"},
	{domain.ErrDuplicateHandle, "duplicate_handle"},
	{domain.ErrInvalidCredentials, "invalid_credentials"},
	{domain.ErrTokenInvalid, "token_invalid"},
	{domain.ErrNotFound, "not_found"},
	{domain.ErrVersionConflict, "version_conflict"},
	{domain.ErrInvalidTransition, "invalid_transition"},
	{domain.ErrRateLimited, "rate_limited"},
	{domain.ErrUnavailable, "unavailable"},
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range resultKinds {
		if errors.Is(err, k.err) {
			return k.label
		}
	}
	return "error"
}

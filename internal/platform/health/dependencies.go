package health

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/celoptima/backend/internal/platform/firestore"
)

// Analytics phases reported by AnalyticsPhase.
const (
	AnalyticsPending = "pending"
	AnalyticsReady   = "ready"
	AnalyticsAbsent  = "absent"
)

// AnalyticsState is the read side of the bootstrap handles that readiness needs.
type AnalyticsState interface {
	AnalyticsSupported() bool
	AnalyticsDone() <-chan struct{}
	AnalyticsErr() error
}

// AnalyticsPhase maps state to pending, ready or absent.
func AnalyticsPhase(state AnalyticsState) string {
	select {
	case <-state.AnalyticsDone():
	default:
		return AnalyticsPending
	}
	if state.AnalyticsErr() != nil {
		return AnalyticsAbsent
	}
	return AnalyticsReady
}

// FirestoreDependency probes the database handle.
func FirestoreDependency(client *firestore.Client) Dependency {
	return Dependency{
		Name: "firestore",
		Check: func(ctx context.Context) (string, error) {
			return "", pfirestore.Ping(ctx, client)
		},
	}
}

// AnalyticsDependency reports the analytics handle. A missing handle only degrades readiness
// when required is set.
func AnalyticsDependency(state AnalyticsState, required bool) Dependency {
	return Dependency{
		Name: "analytics",
		Check: func(context.Context) (string, error) {
			if !state.AnalyticsSupported() {
				if required {
					return "", errors.New("analytics required but not supported in this runtime")
				}
				return "unsupported", nil
			}

			switch AnalyticsPhase(state) {
			case AnalyticsPending:
				if required {
					return "", errors.New("analytics still loading")
				}
				return AnalyticsPending, nil
			case AnalyticsAbsent:
				if required {
					return "", state.AnalyticsErr()
				}
				return fmt.Sprintf("%s: %v", AnalyticsAbsent, state.AnalyticsErr()), nil
			default:
				return AnalyticsReady, nil
			}
		},
	}
}

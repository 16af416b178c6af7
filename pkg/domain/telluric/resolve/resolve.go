// Package resolve finds a telluric standard star for an observation.
//
// It shares the failure taxonomy of package compute: transient errors are
// retried by the store's policy, invalid-input errors are not.
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain/obscalc/compute"
)

type Resolver interface {
	// Resolve picks the telluric standard for the snapshot's science target.
	Resolve(ctx context.Context, snapshot domain.ObsSnapshot) (domain.TelluricTarget, error)
}

// Web queries a star catalog service over HTTP.
//
// The catalog is asked for candidates near the first science target; it
// returns them ordered by suitability, and the first one wins.
type Web struct {
	// URL of the catalog search endpoint.
	URL *url.URL

	Timeout time.Duration

	Client *http.Client
}

var _ Resolver = Web{}

func (w Web) Resolve(ctx context.Context, snapshot domain.ObsSnapshot) (domain.TelluricTarget, error) {
	if len(snapshot.Targets) == 0 {
		return domain.TelluricTarget{}, fmt.Errorf(
			"%w: observation '%s' has no targets", compute.ErrInvalidInput, snapshot.ObservationId,
		)
	}
	science := snapshot.Targets[0]

	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	query := w.URL.Query()
	query.Set("ra", strconv.FormatFloat(science.Ra, 'f', -1, 64))
	query.Set("dec", strconv.FormatFloat(science.Dec, 'f', -1, 64))
	endpoint := *w.URL
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return domain.TelluricTarget{}, fmt.Errorf("%w: %s", compute.ErrInvalidInput, err)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return domain.TelluricTarget{}, fmt.Errorf("%w: %s", compute.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case 200 <= resp.StatusCode && resp.StatusCode < 300:
		// pass
	case 400 <= resp.StatusCode && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusTooManyRequests:
		return domain.TelluricTarget{}, fmt.Errorf(
			"%w (%s %d)", compute.ErrInvalidInput, w.URL, resp.StatusCode,
		)
	default:
		return domain.TelluricTarget{}, fmt.Errorf(
			"%w (%s %d)", compute.ErrTransient, w.URL, resp.StatusCode,
		)
	}

	candidates := []domain.TelluricTarget{}
	if err := json.NewDecoder(resp.Body).Decode(&candidates); err != nil {
		return domain.TelluricTarget{}, fmt.Errorf(
			"%w: broken response from %s: %s", compute.ErrTransient, w.URL, err,
		)
	}

	if len(candidates) == 0 {
		return domain.TelluricTarget{}, fmt.Errorf(
			"%w: no telluric standard near (ra=%f, dec=%f)",
			compute.ErrInvalidInput, science.Ra, science.Dec,
		)
	}
	return candidates[0], nil
}

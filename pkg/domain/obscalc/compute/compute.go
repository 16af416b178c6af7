// Package compute is the boundary to the external calculation services.
//
// Implementations turn an ObsSnapshot into a CalcResult, or an error
// classified as transient (worth retrying) or invalid-input (not).
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/domain"
)

// the service misbehaved (outage, timeout, overload). Worth retrying.
var ErrTransient = errors.New("transient calculation failure")

// the service rejected the snapshot. Retrying the same input cannot help.
var ErrInvalidInput = errors.New("calculation rejected the input")

type Calculator interface {
	// Calculate computes the result for the snapshot.
	//
	// # Returns
	//
	// - domain.CalcResult
	//
	// - error: wrapping ErrTransient or ErrInvalidInput. Context
	// cancellation and deadlines count as transient.
	Calculate(ctx context.Context, snapshot domain.ObsSnapshot) (domain.CalcResult, error)
}

// FailureOf translates a Calculate error into the record-level failure.
func FailureOf(err error) domain.Failure {
	class := domain.FailureTransient
	if errors.Is(err, ErrInvalidInput) {
		class = domain.FailurePermanentInput
	}
	return domain.Failure{Class: class, Message: err.Error()}
}

// Web calls a calculation service over HTTP.
//
// The snapshot is POSTed as JSON; a 2xx response carries the CalcResult as
// JSON. 4xx means the input is invalid; anything else is transient.
type Web struct {
	// URL of the calculation endpoint.
	URL *url.URL

	// Timeout per request. Zero means no timeout beyond the caller's ctx.
	Timeout time.Duration

	// Client defaults to http.DefaultClient.
	Client *http.Client
}

var _ Calculator = Web{}

func (w Web) Calculate(ctx context.Context, snapshot domain.ObsSnapshot) (domain.CalcResult, error) {
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return domain.CalcResult{}, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, w.URL.String(), bytes.NewBuffer(payload),
	)
	if err != nil {
		return domain.CalcResult{}, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		// covers connection refusal, DNS failure, ctx deadline and cancel.
		return domain.CalcResult{}, fmt.Errorf("%w: %s", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case 200 <= resp.StatusCode && resp.StatusCode < 300:
		result := domain.CalcResult{}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return domain.CalcResult{}, fmt.Errorf(
				"%w: broken response from %s: %s", ErrTransient, w.URL, err,
			)
		}
		return result, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.CalcResult{}, fmt.Errorf(
			"%w: %s is overloaded (status %d)", ErrTransient, w.URL, resp.StatusCode,
		)

	case 400 <= resp.StatusCode && resp.StatusCode < 500:
		return domain.CalcResult{}, fmt.Errorf(
			"%w (%s %d): %s", ErrInvalidInput, w.URL, resp.StatusCode, readableBody(resp),
		)

	default:
		return domain.CalcResult{}, fmt.Errorf(
			"%w (%s %d): %s", ErrTransient, w.URL, resp.StatusCode, readableBody(resp),
		)
	}
}

func readableBody(resp *http.Response) string {
	ctype := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ctype, "text/") &&
		!(strings.HasPrefix(ctype, "application/") && strings.Contains(ctype, "json")) {
		return "(response body is " + ctype + ")"
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(body)
}

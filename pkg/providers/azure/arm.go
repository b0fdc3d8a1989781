package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"

	"github.com/openfroyo/tstack/pkg/engine"
)

// put creates or updates an ARM resource and polls the operation until it
// reaches a terminal state.
func (p *Provider) put(ctx context.Context, path, apiVersion string, body map[string]any) (map[string]any, error) {
	req, err := p.newRequest(ctx, http.MethodPut, path, apiVersion)
	if err != nil {
		return nil, err
	}
	if err := runtime.MarshalAsJSON(req, body); err != nil {
		return nil, fmt.Errorf("azure: failed to encode %s: %w", path, err)
	}

	resp, err := p.client.Pipeline().Do(req)
	if err != nil {
		return nil, classify(err, "PUT "+path)
	}
	if !runtime.HasStatusCode(resp, http.StatusOK, http.StatusCreated, http.StatusAccepted) {
		return nil, classify(runtime.NewResponseError(resp), "PUT "+path)
	}

	poller, err := runtime.NewPoller[map[string]any](resp, p.client.Pipeline(), nil)
	if err != nil {
		return nil, classify(err, "PUT "+path)
	}
	result, err := poller.PollUntilDone(ctx, &runtime.PollUntilDoneOptions{Frequency: p.cfg.PollFrequency})
	if err != nil {
		return nil, classify(err, "PUT "+path)
	}
	return result, nil
}

// get reads an ARM resource.
func (p *Provider) get(ctx context.Context, path, apiVersion string) (map[string]any, error) {
	req, err := p.newRequest(ctx, http.MethodGet, path, apiVersion)
	if err != nil {
		return nil, err
	}
	return p.do(req, "GET "+path)
}

// post calls an ARM action such as listCredentials.
func (p *Provider) post(ctx context.Context, path, apiVersion string) (map[string]any, error) {
	req, err := p.newRequest(ctx, http.MethodPost, path, apiVersion)
	if err != nil {
		return nil, err
	}
	return p.do(req, "POST "+path)
}

func (p *Provider) do(req *policy.Request, op string) (map[string]any, error) {
	resp, err := p.client.Pipeline().Do(req)
	if err != nil {
		return nil, classify(err, op)
	}
	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return nil, classify(runtime.NewResponseError(resp), op)
	}

	var out map[string]any
	if err := runtime.UnmarshalAsJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("azure: failed to decode %s response: %w", op, err)
	}
	return out, nil
}

func (p *Provider) newRequest(ctx context.Context, method, path, apiVersion string) (*policy.Request, error) {
	endpoint := strings.TrimSuffix(p.client.Endpoint(), "/") + path

	req, err := runtime.NewRequest(ctx, method, endpoint)
	if err != nil {
		return nil, fmt.Errorf("azure: failed to build request: %w", err)
	}
	qp := req.Raw().URL.Query()
	qp.Set("api-version", apiVersion)
	req.Raw().URL.RawQuery = qp.Encode()
	req.Raw().Header["Accept"] = []string{"application/json"}
	return req, nil
}

// classify maps SDK failures onto engine errors. HTTP failures keep the ARM
// error code as a detail.
func classify(err error, op string) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return engine.ClassifyHTTPStatus(respErr.StatusCode, fmt.Sprintf("azure: %s failed", op), err).
			WithDetail("arm_code", respErr.ErrorCode)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError(fmt.Sprintf("azure: %s interrupted", op), err).
			WithCode(engine.ErrCodeTimeout)
	}
	return engine.NewTransientError(fmt.Sprintf("azure: %s failed", op), err).
		WithCode(engine.ErrCodeProviderFailed)
}

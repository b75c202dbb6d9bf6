package realtime

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bytedance/sonic"
	"github.com/notewave/realtime/shared"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// CredentialSource mints short-lived credentials authorizing one transport
// session with the remote realtime endpoint.
type CredentialSource interface {
	CreateEphemeralCredential(ctx context.Context, documentID string) (string, error)
}

// DocumentSource fetches the plain-text content used to seed DocumentContext.
type DocumentSource interface {
	FetchDocumentContent(ctx context.Context, documentID string) (string, error)
}

// BackendClient talks to the application backend that owns authentication
// and document storage. The session core only consumes the two narrow
// interfaces above.
type BackendClient struct {
	logger    shared.LoggerAdapter
	baseURL   *url.URL
	authToken string

	// do is swapped out by tests.
	do func(req *fasthttp.Request, resp *fasthttp.Response) error
}

var (
	_ CredentialSource = (*BackendClient)(nil)
	_ DocumentSource   = (*BackendClient)(nil)
)

func NewBackendClient(logger shared.LoggerAdapter, baseURL, authToken string) (*BackendClient, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	return &BackendClient{
		logger:    logger,
		baseURL:   u,
		authToken: authToken,
		do:        fasthttp.Do,
	}, nil
}

// CreateEphemeralCredential POSTs to the credential endpoint and returns
// client_secret.value. A 401/403 maps to shared.ErrCredentialRejected so the
// session can treat it as fatal rather than transient.
func (b *BackendClient) CreateEphemeralCredential(ctx context.Context, documentID string) (string, error) {
	body, err := sonic.Marshal(map[string]any{"document_id": documentID})
	if err != nil {
		return "", fmt.Errorf("marshaling credential request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()

	req.SetRequestURI(b.baseURL.JoinPath("/realtime/sessions").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+b.authToken)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := b.doCtx(ctx, req, resp); err != nil {
		return "", fmt.Errorf("requesting ephemeral credential: %w", err)
	}
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusUnauthorized || code == fasthttp.StatusForbidden:
		return "", fmt.Errorf("%w: status %d", shared.ErrCredentialRejected, code)
	case code < 200 || code >= 300:
		return "", fmt.Errorf("credential endpoint returned status %d: %s", code, resp.Body())
	}

	var parsed struct {
		Id           string `json:"id"`
		ClientSecret struct {
			Value string `json:"value"`
		} `json:"client_secret"`
	}
	if err := sonic.Unmarshal(resp.Body(), &parsed); err != nil {
		return "", fmt.Errorf("unmarshaling credential response: %w", err)
	}
	if parsed.ClientSecret.Value == "" {
		return "", fmt.Errorf("credential response missing client_secret.value")
	}
	b.logger.Debug("ephemeral credential created", zap.String("session_id", parsed.Id))
	return parsed.ClientSecret.Value, nil
}

// FetchDocumentContent GETs the document content endpoint.
func (b *BackendClient) FetchDocumentContent(ctx context.Context, documentID string) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()

	req.SetRequestURI(b.baseURL.JoinPath("/documents", documentID, "content").String())
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Authorization", "Bearer "+b.authToken)

	if err := b.doCtx(ctx, req, resp); err != nil {
		return "", fmt.Errorf("requesting document content: %w", err)
	}
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return "", fmt.Errorf("document endpoint returned status %d: %s", code, resp.Body())
	}

	var parsed struct {
		Content string `json:"content"`
	}
	if err := sonic.Unmarshal(resp.Body(), &parsed); err != nil {
		return "", fmt.Errorf("unmarshaling document response: %w", err)
	}
	return parsed.Content, nil
}

// doCtx performs the request, honoring ctx. It owns recycling req and resp on
// every error return; on success the caller releases them after parsing. On
// cancellation the worker goroutine still writes into both, so they are held
// back from the pools until it finishes.
func (b *BackendClient) doCtx(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	errC := make(chan error, 1)
	go func() {
		errC <- b.do(req, resp)
	}()
	select {
	case <-ctx.Done():
		go func() {
			<-errC
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
		}()
		return ctx.Err()
	case err := <-errC:
		if err != nil {
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
		}
		return err
	}
}

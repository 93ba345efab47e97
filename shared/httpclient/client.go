package httpclient

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Client is a resty client whose requests run inside client spans with the trace
// context propagated in the request headers.
type Client struct {
	resty      *resty.Client
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

type Config struct {
	BaseURL          string
	Timeout          time.Duration
	RetryCount       int
	RetryWaitTime    time.Duration
	RetryMaxWaitTime time.Duration
}

func New(cfg Config) *Client {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWaitTime).
		SetRetryMaxWaitTime(cfg.RetryMaxWaitTime)

	if cfg.BaseURL != "" {
		client.SetBaseURL(cfg.BaseURL)
	}

	return &Client{
		resty:      client,
		tracer:     otel.Tracer("httpclient"),
		propagator: otel.GetTextMapPropagator(),
	}
}

func (c *Client) R(ctx context.Context) *TracedRequest {
	return &TracedRequest{
		client:  c,
		request: c.resty.R().SetContext(ctx),
		ctx:     ctx,
	}
}

func (c *Client) GetRestyClient() *resty.Client {
	return c.resty
}

type TracedRequest struct {
	client    *Client
	request   *resty.Request
	ctx       context.Context
	spanName  string
	spanAttrs []attribute.KeyValue
}

func (r *TracedRequest) SetHeader(key, value string) *TracedRequest {
	r.request.SetHeader(key, value)
	return r
}

func (r *TracedRequest) SetResult(result interface{}) *TracedRequest {
	r.request.SetResult(result)
	return r
}

func (r *TracedRequest) SetPathParams(params map[string]string) *TracedRequest {
	r.request.SetPathParams(params)
	return r
}

func (r *TracedRequest) SetSpanName(name string) *TracedRequest {
	r.spanName = name
	return r
}

func (r *TracedRequest) AddSpanAttribute(key, value string) *TracedRequest {
	r.spanAttrs = append(r.spanAttrs, attribute.String(key, value))
	return r
}

func (r *TracedRequest) Get(url string) (*resty.Response, error) {
	return r.execute(http.MethodGet, url)
}

func (r *TracedRequest) execute(method, url string) (*resty.Response, error) {
	spanName := r.spanName
	if spanName == "" {
		spanName = "HTTP " + method
	}

	ctx, span := r.client.tracer.Start(r.ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", url),
	)
	if len(r.spanAttrs) > 0 {
		span.SetAttributes(r.spanAttrs...)
	}

	carrier := make(propagation.HeaderCarrier)
	r.client.propagator.Inject(ctx, carrier)
	for key, values := range carrier {
		if len(values) > 0 {
			r.request.SetHeader(key, values[0])
		}
	}

	r.request.SetContext(ctx)

	resp, err := r.request.Execute(method, url)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("http.error", true))
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode()),
		attribute.Int64("http.response_size", int64(len(resp.Body()))),
	)
	return resp, nil
}

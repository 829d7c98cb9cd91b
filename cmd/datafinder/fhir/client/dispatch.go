package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/bundle"
	"github.com/google/uuid"
)

const fhirJSON = "application/fhir+json"

// dispatch drains the queue in FIFO order. Each physical request holds one
// semaphore slot for its whole duration.
func (c *Client) dispatch() {
	defer c.wg.Done()
	for {
		if c.queueLen() == 0 {
			select {
			case <-c.lifeCtx.Done():
				return
			case <-c.wake:
				continue
			}
		}

		if err := c.sem.Acquire(c.lifeCtx, 1); err != nil {
			return
		}
		c.waitForBatch()

		calls := c.nextCalls()
		if len(calls) == 0 {
			c.sem.Release(1)
			continue
		}

		c.metrics.active.Inc()
		go func() {
			defer func() {
				c.metrics.active.Dec()
				c.sem.Release(1)
			}()
			if len(calls) == 1 {
				c.executeSingle(calls[0])
			} else {
				c.executeBatch(calls)
			}
		}()
	}
}

func (c *Client) queueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) batchLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.features.Batch {
		return 1
	}
	return c.cfg.MaxRequestsPerBatch
}

// waitForBatch gives callers BatchTimeout to fill up a batch.
func (c *Client) waitForBatch() {
	limit := c.batchLimit()
	if limit <= 1 || c.cfg.BatchTimeout == 0 || c.queueLen() >= limit {
		return
	}
	timer := time.NewTimer(c.cfg.BatchTimeout)
	defer timer.Stop()
	for c.queueLen() < limit {
		select {
		case <-timer.C:
			return
		case <-c.lifeCtx.Done():
			return
		case <-c.wake:
		}
	}
}

// nextCalls pops the head of the queue plus, when batching, the following
// calls that can share a batch bundle. Calls nobody waits for any more are
// settled as aborted and skipped.
func (c *Client) nextCalls() []*call {
	limit := c.batchLimit()

	c.mu.Lock()
	var calls, abandoned []*call
	for len(c.queue) > 0 && len(calls) < limit {
		head := c.queue[0]
		if head.waiters == 0 {
			c.queue = c.queue[1:]
			abandoned = append(abandoned, head)
			continue
		}
		if len(calls) > 0 {
			if _, ok := c.relativeURL(head.url); !ok {
				break
			}
		}
		c.queue = c.queue[1:]
		calls = append(calls, head)
		if _, ok := c.relativeURL(head.url); !ok {
			break
		}
	}
	c.mu.Unlock()

	for _, entry := range abandoned {
		c.settle(entry, abortedResponse(), "abandoned")
	}
	return calls
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", fhirJSON)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", fhirJSON)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}
	return req, nil
}

func (c *Client) executeSingle(entry *call) {
	url := c.absoluteURL(entry.url)
	req, err := c.newRequest(entry.gen.ctx, http.MethodGet, url, nil)
	if err != nil {
		c.settle(entry, Response{Status: StatusAborted, Err: &TransportError{URL: url, Err: err}}, "single")
		return
	}

	start := time.Now()
	status, body, err := c.do(req)
	c.log.Debug().
		Str("url", url).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("FHIR request finished")

	c.settle(entry, toResponse(url, status, body, err), "single")
}

func (c *Client) executeBatch(calls []*call) {
	urls := make([]string, len(calls))
	for i, entry := range calls {
		urls[i], _ = c.relativeURL(entry.url)
	}
	c.metrics.batchSize.Observe(float64(len(calls)))

	settleAll := func(resp Response) {
		for _, entry := range calls {
			c.settle(entry, resp, "batch")
		}
	}

	payload, err := json.Marshal(bundle.NewBatchRequest(urls))
	if err != nil {
		settleAll(Response{Status: StatusAborted, Err: &TransportError{URL: c.baseURL, Err: err}})
		return
	}
	// Every call of a batch belongs to the same generation.
	req, err := c.newRequest(calls[0].gen.ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		settleAll(Response{Status: StatusAborted, Err: &TransportError{URL: c.baseURL, Err: err}})
		return
	}

	start := time.Now()
	status, body, err := c.do(req)
	c.log.Debug().
		Int("requests", len(calls)).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("FHIR batch finished")

	resp := toResponse(c.baseURL, status, body, err)
	if !resp.OK() {
		settleAll(resp)
		return
	}

	results, err := bundle.ParseBatchResponse(body)
	if err == nil && len(results) != len(calls) {
		err = fmt.Errorf("batch response has %d entries for %d requests", len(results), len(calls))
	}
	if err != nil {
		settleAll(Response{Status: status, Err: fmt.Errorf("invalid batch response: %w", err)})
		return
	}
	for i, entry := range calls {
		c.settle(entry, toResponse(urls[i], results[i].Status, results[i].Body, nil), "batch")
	}
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func toResponse(url string, status int, body []byte, err error) Response {
	if err != nil {
		return Response{Status: StatusAborted, Err: &TransportError{URL: url, Err: err}}
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return Response{Status: status, Data: body, Err: &HTTPError{URL: url, Status: status, Body: body}}
	}
	return Response{Status: status, Data: body}
}

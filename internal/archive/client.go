// Package archive provides a read-only client for the permanent
// content-addressed store sharme mirrors into: cursor-paginated tagged
// GraphQL queries and size-capped raw downloads, with ordered
// multi-gateway failover.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sharme/sharme/internal/logging"
	"github.com/sharme/sharme/internal/sharmeerr"
)

// Tag names of the archive tag schema. Case-sensitive and bit-exact.
const (
	TagAppName     = "App-Name"
	TagWallet      = "Wallet"
	TagType        = "Type"
	TagVersion     = "Version"
	TagSalt        = "Salt"
	TagClient      = "Client"
	TagProject     = "Project"
	TagSession     = "Session"
	TagOffset      = "Offset"
	TagCount       = "Count"
	TagChunk       = "Chunk"
	TagShareID     = "Share-Id"
	TagTimestamp   = "Timestamp"
	TagSignature   = "Signature"
	TagContentType = "Content-Type"
)

// AppName is the constant App-Name tag value on every sharme transaction.
const AppName = "sharme"

// Pagination hard caps. Exceeding them aborts the query rather than
// letting an adversarial gateway feed an infinite scroll.
const (
	pageSize = 100
	maxPages = 1000
	maxItems = maxPages * 1000
)

// Client queries the archive's GraphQL index and downloads transaction
// data, failing over across ordered gateway lists.
type Client struct {
	gqlEndpoints  []string
	dataEndpoints []string
	httpClient    *http.Client
	log           *logging.Logger
}

// NewClient creates an archive client over ordered gateway lists.
// Earlier endpoints are tried first; a failed request falls through to
// the next endpoint.
func NewClient(gqlEndpoints, dataEndpoints []string) *Client {
	return &Client{
		gqlEndpoints:  gqlEndpoints,
		dataEndpoints: dataEndpoints,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logging.WithField("component", "archive"),
	}
}

// TxMeta is one transaction hit from a tagged query.
type TxMeta struct {
	ID          string
	Tags        map[string]string
	BlockHeight int64
}

// TagFilter matches transactions carrying any of the listed values for
// a tag name.
type TagFilter struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// graphql wire shapes

type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data struct {
		Transactions struct {
			PageInfo struct {
				HasNextPage bool `json:"hasNextPage"`
			} `json:"pageInfo"`
			Edges []struct {
				Cursor string `json:"cursor"`
				Node   struct {
					ID   string `json:"id"`
					Tags []struct {
						Name  string `json:"name"`
						Value string `json:"value"`
					} `json:"tags"`
					Block struct {
						Height int64 `json:"height"`
					} `json:"block"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"transactions"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

const txQuery = `query($tags: [TagFilter!], $first: Int!, $after: String, $sort: SortOrder!) {
  transactions(tags: $tags, first: $first, after: $after, sort: $sort) {
    pageInfo { hasNextPage }
    edges {
      cursor
      node {
        id
        tags { name value }
        block { height }
      }
    }
  }
}`

// QueryTransactions runs a cursor-paginated tagged query, ascending by
// block height unless newestFirst is set. It returns every matching
// transaction's metadata, deduplicated by id, or PaginationBlown if the
// result set exceeds the hard caps.
func (c *Client) QueryTransactions(ctx context.Context, filters []TagFilter, newestFirst bool) ([]TxMeta, error) {
	sort := "HEIGHT_ASC"
	if newestFirst {
		sort = "HEIGHT_DESC"
	}

	var (
		results []TxMeta
		seen    = make(map[string]bool)
		cursor  string
	)

	for page := 0; ; page++ {
		if page >= maxPages {
			return nil, sharmeerr.New(sharmeerr.PaginationBlown,
				fmt.Sprintf("query exceeded %d pages", maxPages))
		}

		vars := map[string]interface{}{
			"tags":  filters,
			"first": pageSize,
			"sort":  sort,
		}
		if cursor != "" {
			vars["after"] = cursor
		}

		resp, err := c.postGraphQL(ctx, gqlRequest{Query: txQuery, Variables: vars})
		if err != nil {
			return nil, err
		}

		for _, edge := range resp.Data.Transactions.Edges {
			cursor = edge.Cursor
			if seen[edge.Node.ID] {
				continue
			}
			seen[edge.Node.ID] = true

			tags := make(map[string]string, len(edge.Node.Tags))
			for _, tag := range edge.Node.Tags {
				tags[tag.Name] = tag.Value
			}
			results = append(results, TxMeta{
				ID:          edge.Node.ID,
				Tags:        tags,
				BlockHeight: edge.Node.Block.Height,
			})
			if len(results) > maxItems {
				return nil, sharmeerr.New(sharmeerr.PaginationBlown,
					fmt.Sprintf("query exceeded %d items", maxItems))
			}
		}

		if !resp.Data.Transactions.PageInfo.HasNextPage || len(resp.Data.Transactions.Edges) == 0 {
			break
		}
	}

	return results, nil
}

// postGraphQL sends one GraphQL request, trying each gateway in order.
func (c *Client) postGraphQL(ctx context.Context, request gqlRequest) (*gqlResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.GatewayError, "marshal query", err)
	}

	var failures []string
	for _, endpoint := range c.gqlEndpoints {
		resp, err := c.tryGraphQL(ctx, endpoint, body)
		if err != nil {
			c.log.Debug("gateway %s failed: %v", endpoint, err)
			failures = append(failures, fmt.Sprintf("%s: %v", endpoint, err))
			continue
		}
		return resp, nil
	}

	return nil, sharmeerr.New(sharmeerr.GatewayError,
		"all GraphQL gateways failed: "+strings.Join(failures, "; "))
}

func (c *Client) tryGraphQL(ctx context.Context, endpoint string, body []byte) (*gqlResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var parsed gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", parsed.Errors[0].Message)
	}

	return &parsed, nil
}

// Download fetches a transaction's raw data, enforcing maxBytes twice:
// against the Content-Length header before reading the body, then
// against the bytes actually received.
func (c *Client) Download(ctx context.Context, txID string, maxBytes int64) ([]byte, error) {
	var failures []string
	for _, endpoint := range c.dataEndpoints {
		data, err := c.tryDownload(ctx, endpoint, txID, maxBytes)
		if err != nil {
			if sharmeerr.Is(err, sharmeerr.BlobTooLarge) {
				// Every gateway serves the same bytes; size violations
				// don't fail over.
				return nil, err
			}
			c.log.Debug("gateway %s failed for %s: %v", endpoint, txID, err)
			failures = append(failures, fmt.Sprintf("%s: %v", endpoint, err))
			continue
		}
		return data, nil
	}

	return nil, sharmeerr.New(sharmeerr.GatewayError,
		"all data gateways failed: "+strings.Join(failures, "; "))
}

func (c *Client) tryDownload(ctx context.Context, endpoint, txID string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/"+txID, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	if resp.ContentLength > maxBytes {
		return nil, sharmeerr.New(sharmeerr.BlobTooLarge,
			fmt.Sprintf("tx %s: content-length %d exceeds cap %d", txID, resp.ContentLength, maxBytes))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, sharmeerr.New(sharmeerr.BlobTooLarge,
			fmt.Sprintf("tx %s: body exceeds cap %d", txID, maxBytes))
	}

	return data, nil
}

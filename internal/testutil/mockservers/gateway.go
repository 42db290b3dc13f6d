// Package mockservers provides httptest mock servers for external APIs.
package mockservers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/sharme/sharme/internal/core"
)

// Transaction is one stored archive transaction.
type Transaction struct {
	ID     string
	Tags   map[string]string
	Data   []byte
	Height int64
}

// GatewayMockServer mocks an archive gateway: the GraphQL index at
// /graphql, raw data at /{txid}, and the bundler upload at /tx. One
// instance can back the archive client and the upload backend at once,
// so sync round-trips run against a single in-memory log.
type GatewayMockServer struct {
	Server *httptest.Server
	t      *testing.T

	mu         sync.Mutex
	txs        []Transaction
	nextID     int
	nextHeight int64

	// FailGraphQL makes /graphql return 500 (for failover tests).
	FailGraphQL bool
	// FailData makes data downloads return 500.
	FailData bool
	// FailUpload makes /tx return 500.
	FailUpload bool
	// UploadCount counts accepted uploads.
	UploadCount int
}

// NewGatewayMockServer creates a mock gateway.
func NewGatewayMockServer(t *testing.T) *GatewayMockServer {
	t.Helper()

	mock := &GatewayMockServer{t: t, nextHeight: 1000}

	mock.Server = httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(func() {
		mock.Server.Close()
	})

	return mock
}

// GraphQLURL returns the GraphQL endpoint.
func (m *GatewayMockServer) GraphQLURL() string {
	return m.Server.URL + "/graphql"
}

// DataURL returns the data gateway base URL.
func (m *GatewayMockServer) DataURL() string {
	return m.Server.URL
}

// UploadURL returns the bundler base URL.
func (m *GatewayMockServer) UploadURL() string {
	return m.Server.URL
}

// AddTransaction stores a transaction directly (bypassing upload) and
// returns its id.
func (m *GatewayMockServer) AddTransaction(tags map[string]string, data []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.nextHeight++
	id := fmt.Sprintf("mocktx-%04d", m.nextID)

	copied := make(map[string]string, len(tags))
	for k, v := range tags {
		copied[k] = v
	}
	m.txs = append(m.txs, Transaction{ID: id, Tags: copied, Data: data, Height: m.nextHeight})
	return id
}

// Transactions returns a snapshot of all stored transactions.
func (m *GatewayMockServer) Transactions() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transaction(nil), m.txs...)
}

// CorruptData flips one byte of a stored transaction's data.
func (m *GatewayMockServer) CorruptData(txID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.txs {
		if m.txs[i].ID == txID {
			data := append([]byte(nil), m.txs[i].Data...)
			if len(data) > 0 {
				data[len(data)/2] ^= 0xFF
			}
			m.txs[i].Data = data
			return
		}
	}
	m.t.Fatalf("CorruptData: no such tx %s", txID)
}

func (m *GatewayMockServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/graphql"):
		m.handleGraphQL(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/tx":
		m.handleUpload(w, r)
	case r.Method == http.MethodGet:
		m.handleDownload(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type gqlTagFilter struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

func (m *GatewayMockServer) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailGraphQL {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var request struct {
		Variables struct {
			Tags  []gqlTagFilter `json:"tags"`
			First int            `json:"first"`
			After string         `json:"after"`
			Sort  string         `json:"sort"`
		} `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Filter by tags.
	var matched []Transaction
	for _, tx := range m.txs {
		if matchesFilters(tx, request.Variables.Tags) {
			matched = append(matched, tx)
		}
	}

	// Sort by height.
	sort.SliceStable(matched, func(i, j int) bool {
		if request.Variables.Sort == "HEIGHT_DESC" {
			return matched[i].Height > matched[j].Height
		}
		return matched[i].Height < matched[j].Height
	})

	// Paginate: cursor is the index of the last returned row.
	start := 0
	if request.Variables.After != "" {
		if n, err := strconv.Atoi(request.Variables.After); err == nil {
			start = n + 1
		}
	}
	first := request.Variables.First
	if first <= 0 {
		first = 10
	}
	end := start + first
	if end > len(matched) {
		end = len(matched)
	}
	if start > len(matched) {
		start = len(matched)
	}

	type edge struct {
		Cursor string      `json:"cursor"`
		Node   interface{} `json:"node"`
	}
	edges := make([]edge, 0, end-start)
	for i := start; i < end; i++ {
		tx := matched[i]
		var tags []map[string]string
		for name, value := range tx.Tags {
			tags = append(tags, map[string]string{"name": name, "value": value})
		}
		edges = append(edges, edge{
			Cursor: strconv.Itoa(i),
			Node: map[string]interface{}{
				"id":    tx.ID,
				"tags":  tags,
				"block": map[string]int64{"height": tx.Height},
			},
		})
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"transactions": map[string]interface{}{
				"pageInfo": map[string]bool{"hasNextPage": end < len(matched)},
				"edges":    edges,
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func matchesFilters(tx Transaction, filters []gqlTagFilter) bool {
	for _, filter := range filters {
		value, ok := tx.Tags[filter.Name]
		if !ok {
			return false
		}
		found := false
		for _, want := range filter.Values {
			if value == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (m *GatewayMockServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUpload {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var request struct {
		Data string     `json:"data"`
		Tags []core.Tag `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	data, err := base64.RawURLEncoding.DecodeString(request.Data)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	tags := make(map[string]string, len(request.Tags))
	for _, tag := range request.Tags {
		tags[tag.Name] = tag.Value
	}

	m.nextID++
	m.nextHeight++
	m.UploadCount++
	id := fmt.Sprintf("mocktx-%04d", m.nextID)
	m.txs = append(m.txs, Transaction{ID: id, Tags: tags, Data: data, Height: m.nextHeight})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (m *GatewayMockServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailData {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	txID := strings.TrimPrefix(r.URL.Path, "/")
	for _, tx := range m.txs {
		if tx.ID == txID {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Length", strconv.Itoa(len(tx.Data)))
			w.Write(tx.Data)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

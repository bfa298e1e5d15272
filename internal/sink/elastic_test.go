package sink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/oplogmirror/tailer/internal/entry"
)

// roundTripFunc adapts a function to http.RoundTripper, so each test can
// point the elasticsearch client at an httptest.Server without a real
// cluster.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestElastic(t *testing.T, srv *httptest.Server) *Elastic {
	t.Helper()
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{srv.URL},
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			r.URL.Scheme = "http"
			r.URL.Host = srv.Listener.Addr().String()
			return http.DefaultTransport.RoundTrip(r)
		}),
	})
	require.NoError(t, err)
	return &Elastic{client: client, index: "mirror"}
}

func TestUpsertMergesNsAndTsIntoTopLevelDoc(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"result":"updated"}`))
	}))
	defer srv.Close()

	e := newTestElastic(t, srv)
	doc := entry.NewMirroredDoc(bson.M{"_id": "x", "f": int32(7)}, "db.coll", 42)
	require.NoError(t, e.Upsert(context.Background(), doc))

	require.Contains(t, captured, "doc")
	upserted, ok := captured["doc"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "db.coll", upserted["ns"])
	assert.EqualValues(t, 42, upserted["_ts"])
	assert.EqualValues(t, 7, upserted["f"])
	assert.Equal(t, "x", upserted["_id"])
	assert.Equal(t, true, captured["doc_as_upsert"])
}

func TestSearchParsesFlatSourceFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"hits": {
				"hits": [
					{"_source": {"_id": "x", "f": 7, "ns": "db.coll", "_ts": 42}}
				]
			}
		}`))
	}))
	defer srv.Close()

	e := newTestElastic(t, srv)
	docs, err := e.Search(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	assert.Equal(t, "db.coll", docs[0].Ns)
	assert.EqualValues(t, 42, docs[0].Ts)
	assert.EqualValues(t, 7, docs[0].Fields["f"])
	assert.NotContains(t, docs[0].Fields, "ns")
	assert.NotContains(t, docs[0].Fields, "_ts")
}

func TestGetLastDocSortsByTsDescAndFiltersByNs(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"hits":{"hits":[{"_source":{"_id":"y","ns":"db.coll","_ts":99}}]}}`))
	}))
	defer srv.Close()

	e := newTestElastic(t, srv)
	doc, ok, err := e.GetLastDoc(context.Background(), []string{"db.coll"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 99, doc.Ts)

	sort, ok := captured["sort"].([]interface{})
	require.True(t, ok)
	require.Len(t, sort, 1)
	sortEntry, ok := sort[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "desc", sortEntry["_ts"])

	query, ok := captured["query"].(map[string]interface{})
	require.True(t, ok)
	terms, ok := query["terms"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, terms, "ns")
}

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/pkg/errors"

	"github.com/oplogmirror/tailer/internal/compress"
	"github.com/oplogmirror/tailer/internal/entry"
)

// Elastic is the Adapter implementation backing spec.md's "search/index
// backend". No example repo in the retrieved pack depends on a search-index
// client (see DESIGN.md); github.com/elastic/go-elasticsearch/v8 is the
// ecosystem's standard choice for this concern.
type Elastic struct {
	client *elasticsearch.Client
	index  string
	// gzipBodies compresses request bodies of at least gzipThreshold bytes,
	// reusing the teacher's own compression concern (internal/compress) for
	// a second artifact besides archived checkpoint files.
	gzipBodies    bool
	gzipThreshold int
}

// ElasticConfig configures Elastic.
type ElasticConfig struct {
	Addresses  []string
	Username   string
	Password   string
	Index      string
	GzipBodies bool
}

// NewElastic dials an Elasticsearch cluster.
func NewElastic(cfg ElasticConfig) (*Elastic, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new elasticsearch client")
	}
	return &Elastic{
		client:        client,
		index:         cfg.Index,
		gzipBodies:    cfg.GzipBodies,
		gzipThreshold: 4096,
	}, nil
}

func docID(ns string, id interface{}) string {
	return fmt.Sprintf("%s:%v", ns, id)
}

// body encodes v as JSON and reports whether the result was gzip-compressed,
// so the caller sets Content-Encoding only on bodies that really are gzip.
func (e *Elastic) body(v interface{}) (io.Reader, bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false, errors.Wrap(err, "marshal request body")
	}
	if !e.gzipBodies || len(raw) < e.gzipThreshold {
		return bytes.NewReader(raw), false, nil
	}
	compressed, err := compress.CompressBytes(raw, compress.CompressionGzip)
	if err != nil {
		return nil, false, errors.Wrap(err, "gzip request body")
	}
	return bytes.NewReader(compressed), true, nil
}

func (e *Elastic) Upsert(ctx context.Context, doc entry.MirroredDoc) error {
	fields := make(map[string]interface{}, len(doc.Fields)+2)
	for k, v := range doc.Fields {
		fields[k] = v
	}
	fields["ns"] = doc.Ns
	fields["_ts"] = doc.Ts

	body, gzipped, err := e.body(map[string]interface{}{
		"doc":           fields,
		"doc_as_upsert": true,
	})
	if err != nil {
		return err
	}

	req := esapi.UpdateRequest{
		Index:      e.index,
		DocumentID: docID(doc.Ns, doc.ID()),
		Body:       body,
	}
	if gzipped {
		req.Header = map[string][]string{"Content-Encoding": {"gzip"}}
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		return errors.Wrap(err, "elasticsearch update")
	}
	defer res.Body.Close()
	if res.IsError() {
		return errors.Errorf("elasticsearch update %s: %s", req.DocumentID, res.String())
	}
	return nil
}

func (e *Elastic) Remove(ctx context.Context, stub entry.DocStub) error {
	req := esapi.DeleteRequest{
		Index:      e.index,
		DocumentID: docID(stub.Ns, stub.ID),
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return errors.Wrap(err, "elasticsearch delete")
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != 404 {
		return errors.Errorf("elasticsearch delete %s: %s", req.DocumentID, res.String())
	}
	return nil
}

func (e *Elastic) Commit(ctx context.Context) error {
	req := esapi.IndicesRefreshRequest{Index: []string{e.index}}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return errors.Wrap(err, "elasticsearch refresh")
	}
	defer res.Body.Close()
	if res.IsError() {
		return errors.Errorf("elasticsearch refresh: %s", res.String())
	}
	return nil
}

type esHit struct {
	Source map[string]interface{} `json:"_source"`
}

type esSearchResponse struct {
	Hits struct {
		Hits []esHit `json:"hits"`
	} `json:"hits"`
}

func (e *Elastic) search(ctx context.Context, query map[string]interface{}, size int) ([]entry.MirroredDoc, error) {
	body, gzipped, err := e.body(query)
	if err != nil {
		return nil, err
	}

	req := esapi.SearchRequest{
		Index: []string{e.index},
		Body:  body,
		Size:  &size,
	}
	if gzipped {
		req.Header = map[string][]string{"Content-Encoding": {"gzip"}}
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, errors.Wrap(err, "elasticsearch search")
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, errors.Errorf("elasticsearch search: %s", res.String())
	}

	var parsed esSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "decode elasticsearch search response")
	}

	docs := make([]entry.MirroredDoc, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		fields := h.Source
		ns, _ := fields["ns"].(string)
		var ts uint64
		switch v := fields["_ts"].(type) {
		case float64:
			ts = uint64(v)
		case uint64:
			ts = v
		}
		delete(fields, "ns")
		delete(fields, "_ts")
		docs = append(docs, entry.MirroredDoc{Fields: fields, Ns: ns, Ts: ts})
	}
	return docs, nil
}

func (e *Elastic) GetLastDoc(ctx context.Context, nsFilter []string) (entry.MirroredDoc, bool, error) {
	query := map[string]interface{}{
		"sort": []map[string]interface{}{{"_ts": "desc"}},
	}
	if len(nsFilter) > 0 {
		query["query"] = map[string]interface{}{
			"terms": map[string]interface{}{"ns": nsFilter},
		}
	}

	docs, err := e.search(ctx, query, 1)
	if err != nil {
		return entry.MirroredDoc{}, false, err
	}
	if len(docs) == 0 {
		return entry.MirroredDoc{}, false, nil
	}
	return docs[0], true, nil
}

func (e *Elastic) Search(ctx context.Context, startTS, endTS uint64) ([]entry.MirroredDoc, error) {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"range": map[string]interface{}{
				"_ts": map[string]interface{}{"gte": startTS, "lte": endTS},
			},
		},
	}
	return e.search(ctx, query, 10000)
}

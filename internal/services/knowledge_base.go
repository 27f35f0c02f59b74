package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"careline/internal/models"
	"careline/pkg/knowledge"
	"careline/pkg/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LocalKnowledgeBase is the in-process fallback retriever. It keeps the
// ingested knowledge_docs rows in memory and ranks them by term overlap.
type LocalKnowledgeBase struct {
	db     *gorm.DB
	logger *logrus.Logger

	mu    sync.RWMutex
	docs  []models.KnowledgeDoc
	terms []map[string]int
}

var _ Retriever = (*LocalKnowledgeBase)(nil)

func NewLocalKnowledgeBase(db *gorm.DB, logger *logrus.Logger) *LocalKnowledgeBase {
	if logger == nil {
		logger = logrus.New()
	}
	return &LocalKnowledgeBase{db: db, logger: logger}
}

// Reload reads every knowledge document from the database.
func (kb *LocalKnowledgeBase) Reload(ctx context.Context) error {
	if kb.db == nil {
		return nil
	}
	var docs []models.KnowledgeDoc
	if err := kb.db.WithContext(ctx).Order("source, row_index, chunk_index").Find(&docs).Error; err != nil {
		return storageErr("load knowledge docs", err)
	}
	kb.Set(docs)
	kb.logger.WithField("documents", len(docs)).Info("Local knowledge base loaded")
	return nil
}

// Set replaces the in-memory documents.
func (kb *LocalKnowledgeBase) Set(docs []models.KnowledgeDoc) {
	terms := make([]map[string]int, len(docs))
	for i, d := range docs {
		terms[i] = termCounts(d.Title + " " + d.Category + " " + d.Tags + " " + d.Content)
	}
	kb.mu.Lock()
	kb.docs = docs
	kb.terms = terms
	kb.mu.Unlock()
}

func (kb *LocalKnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.docs)
}

func (kb *LocalKnowledgeBase) SimilaritySearch(ctx context.Context, query string, k int) ([]KnowledgeHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 5
	}
	q := termCounts(query)
	if len(q) == 0 {
		return nil, nil
	}

	kb.mu.RLock()
	defer kb.mu.RUnlock()

	type scored struct {
		idx   int
		score float64
	}
	var ranked []scored
	for i, dt := range kb.terms {
		var matched, total int
		for term := range q {
			if n, ok := dt[term]; ok {
				matched++
				total += n
			}
		}
		if matched == 0 {
			continue
		}
		// fraction of query terms covered, tie-broken by frequency
		score := float64(matched)/float64(len(q)) + float64(total)/1000
		ranked = append(ranked, scored{idx: i, score: score})
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	hits := make([]KnowledgeHit, 0, len(ranked))
	for _, r := range ranked {
		d := kb.docs[r.idx]
		hits = append(hits, KnowledgeHit{
			ID:      strconv.FormatUint(uint64(d.ID), 10),
			Title:   d.Title,
			Content: d.Content,
			Source:  d.Source,
			Score:   r.score,
		})
	}
	return hits, nil
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "and": true, "or": true, "do": true,
	"does": true, "you": true, "your": true, "i": true, "me": true, "my": true, "what": true,
	"which": true, "who": true, "how": true, "can": true, "at": true, "with": true, "be": true,
	"have": true, "has": true, "it": true, "this": true, "that": true, "there": true, "any": true,
	"about": true, "please": true, "tell": true,
}

func termCounts(text string) map[string]int {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]int, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] {
			continue
		}
		out[stem(f)]++
	}
	return out
}

// stem drops a plural "s" so "doctors" matches "doctor".
func stem(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}

// RemoteRetriever adapts the knowledge service client to a Retriever.
type RemoteRetriever struct {
	client          knowledge.Searcher
	knowledgeBaseID string
	threshold       float64
	strategy        string
}

var _ Retriever = (*RemoteRetriever)(nil)

func NewRemoteRetriever(client knowledge.Searcher, knowledgeBaseID string, threshold float64, strategy string) *RemoteRetriever {
	if strategy == "" {
		strategy = "hybrid"
	}
	return &RemoteRetriever{client: client, knowledgeBaseID: knowledgeBaseID, threshold: threshold, strategy: strategy}
}

func (r *RemoteRetriever) SimilaritySearch(ctx context.Context, query string, k int) ([]KnowledgeHit, error) {
	resp, err := r.client.SearchKnowledge(ctx, &knowledge.SearchRequest{
		Query:           query,
		KnowledgeBaseID: r.knowledgeBaseID,
		Limit:           k,
		Threshold:       r.threshold,
		Strategy:        r.strategy,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	hits := make([]KnowledgeHit, 0, len(resp.Data.Results))
	for _, res := range resp.Data.Results {
		hits = append(hits, KnowledgeHit{
			ID:      res.DocumentID,
			Title:   res.Title,
			Content: res.Content,
			Source:  res.Source,
			Score:   res.Score,
		})
	}
	return hits, nil
}

// ParseKnowledgeCSV turns a CSV with a header row into knowledge documents.
// Each row becomes "column: value" lines split into overlapping chunks; the
// first column names the source.
func ParseKnowledgeCSV(r io.Reader, chunkSize, overlap int) ([]models.KnowledgeDoc, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty csv: %w", ErrMalformedInput)
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var docs []models.KnowledgeDoc
	for row := 0; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", row+1, err)
		}

		var b strings.Builder
		for i, v := range record {
			name := fmt.Sprintf("column_%d", i+1)
			if i < len(header) && header[i] != "" {
				name = header[i]
			}
			fmt.Fprintf(&b, "%s: %s\n", name, strings.TrimSpace(v))
		}
		source := ""
		if len(record) > 0 {
			source = strings.TrimSpace(record[0])
		}
		category := ""
		if len(header) > 0 {
			category = header[0]
		}

		for i, chunk := range utils.SplitText(b.String(), chunkSize, overlap) {
			docs = append(docs, models.KnowledgeDoc{
				Source:     source,
				Title:      source,
				Content:    chunk,
				Category:   category,
				RowIndex:   row,
				ChunkIndex: i,
			})
		}
	}
	return docs, nil
}

// KnowledgeIngestor stores parsed documents and optionally pushes them to the
// remote knowledge service.
type KnowledgeIngestor struct {
	db              *gorm.DB
	uploader        knowledge.Uploader
	knowledgeBaseID string
	logger          *logrus.Logger
}

func NewKnowledgeIngestor(db *gorm.DB, uploader knowledge.Uploader, knowledgeBaseID string, logger *logrus.Logger) *KnowledgeIngestor {
	if logger == nil {
		logger = logrus.New()
	}
	return &KnowledgeIngestor{db: db, uploader: uploader, knowledgeBaseID: knowledgeBaseID, logger: logger}
}

type IngestResult struct {
	Stored   int `json:"stored"`
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
}

// Ingest replaces every stored document for the given source file.
func (in *KnowledgeIngestor) Ingest(ctx context.Context, sourceFile string, docs []models.KnowledgeDoc) (*IngestResult, error) {
	res := &IngestResult{}
	for i := range docs {
		docs[i].Tags = strings.Trim(docs[i].Tags+","+sourceFile, ",")
		docs[i].SourceFile = sourceFile
	}

	err := in.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("source_file = ?", sourceFile).Delete(&models.KnowledgeDoc{}).Error; err != nil {
			return err
		}
		if len(docs) == 0 {
			return nil
		}
		return tx.CreateInBatches(docs, 100).Error
	})
	if err != nil {
		return nil, storageErr("store knowledge docs", err)
	}
	res.Stored = len(docs)

	if in.uploader == nil {
		return res, nil
	}
	for _, d := range docs {
		_, err := in.uploader.UploadDocument(ctx, in.knowledgeBaseID, &knowledge.Document{
			Type:    "text",
			Title:   d.Title,
			Content: d.Content,
			Tags:    strings.Split(d.Tags, ","),
			Metadata: map[string]interface{}{
				"source": d.Source,
				"row":    d.RowIndex,
				"chunk":  d.ChunkIndex,
			},
		})
		if err != nil {
			res.Failed++
			in.logger.WithError(err).WithField("source", d.Source).Warn("Failed to upload knowledge document")
			continue
		}
		res.Uploaded++
	}
	in.logger.WithFields(logrus.Fields{
		"stored":   res.Stored,
		"uploaded": res.Uploaded,
		"failed":   res.Failed,
	}).Info("Knowledge ingestion completed")
	if res.Failed > 0 {
		return res, fmt.Errorf("upload completed with %d errors", res.Failed)
	}
	return res, nil
}

package chroma

import (
	"context"
	"fmt"
	"os"

	msgdomain "inbox-agent/internal/message/domain"
	"inbox-agent/pkg/mailparse"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings/gemini"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultCollection = "messages"
	maxDocumentLen    = 10000
)

type Config struct {
	APIKey       string
	Tenant       string
	Database     string
	GeminiAPIKey string
	Collection   string
}

// MessageLoader resolves indexed ids back to stored messages.
type MessageLoader interface {
	FindByID(ctx context.Context, id string) (*msgdomain.Message, error)
}

// Index stores message embeddings in a Chroma Cloud collection and finds
// earlier messages similar to a new one.
type Index struct {
	collection chroma.Collection
	messages   MessageLoader
	log        *zap.Logger
}

func New(ctx context.Context, cfg Config, messages MessageLoader, log *zap.Logger) (*Index, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("CHROMA_API_KEY is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}

	// The embedding function reads its key from the environment.
	if cfg.GeminiAPIKey != "" {
		os.Setenv("GEMINI_API_KEY", cfg.GeminiAPIKey)
	}
	embedFunc, err := gemini.NewGeminiEmbeddingFunction(
		gemini.WithEnvAPIKey(),
		gemini.WithDefaultModel("text-embedding-004"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating gemini embedding function")
	}

	var client chroma.Client
	switch {
	case cfg.Database != "" && cfg.Tenant != "":
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.APIKey),
			chroma.WithDatabaseAndTenant(cfg.Database, cfg.Tenant),
		)
	case cfg.Tenant != "":
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.APIKey),
			chroma.WithTenant(cfg.Tenant),
		)
	default:
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.APIKey),
		)
	}
	if err != nil {
		return nil, errors.Wrap(err, "creating chroma client")
	}

	collection, err := client.GetOrCreateCollection(ctx, cfg.Collection,
		chroma.WithEmbeddingFunctionCreate(embedFunc))
	if err != nil {
		return nil, errors.Wrapf(err, "opening collection %s", cfg.Collection)
	}

	log = log.Named("chroma")
	log.Info("related-message index ready", zap.String("collection", cfg.Collection))
	return &Index{collection: collection, messages: messages, log: log}, nil
}

// Index upserts the embedding of one message. The message id is the
// document id, so indexing twice is harmless.
func (x *Index) Index(ctx context.Context, accountID, messageID, subject, body string) error {
	metadata, err := chroma.NewDocumentMetadataFromMap(map[string]interface{}{
		"account_id": accountID,
		"message_id": messageID,
		"subject":    subject,
	})
	if err != nil {
		return errors.Wrap(err, "building metadata")
	}
	err = x.collection.Upsert(ctx,
		chroma.WithIDs(chroma.DocumentID(messageID)),
		chroma.WithMetadatas(metadata),
		chroma.WithTexts(documentText(subject, body)),
	)
	return errors.Wrapf(err, "indexing message %s", messageID)
}

// Similar returns the ids of the n messages of accountID nearest to query,
// closest first, with their distances.
func (x *Index) Similar(ctx context.Context, accountID, query string, n int) ([]string, []float64, error) {
	results, err := x.collection.Query(ctx,
		chroma.WithQueryTexts(query),
		chroma.WithNResults(n),
		chroma.WithWhereQuery(chroma.EqString("account_id", accountID)),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "querying collection")
	}
	if results == nil || results.CountGroups() == 0 {
		return nil, nil, nil
	}

	idGroups := results.GetIDGroups()
	if len(idGroups) == 0 {
		return nil, nil, nil
	}
	ids := make([]string, 0, len(idGroups[0]))
	for _, id := range idGroups[0] {
		ids = append(ids, string(id))
	}
	var distances []float64
	if groups := results.GetDistancesGroups(); len(groups) > 0 {
		for _, d := range groups[0] {
			distances = append(distances, float64(d))
		}
	}
	return ids, distances, nil
}

// Related describes up to n stored messages similar to msg, excluding msg
// itself.
func (x *Index) Related(ctx context.Context, msg *msgdomain.Message, n int) ([]string, error) {
	ids, _, err := x.Similar(ctx, msg.AccountID, documentText(msg.Subject, msg.Body), n+1)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for _, id := range ids {
		if id == msg.ID || len(out) == n {
			continue
		}
		related, err := x.messages.FindByID(ctx, id)
		if err != nil {
			return out, err
		}
		if related == nil {
			x.log.Debug("indexed message not stored", zap.String("message_id", id))
			continue
		}
		out = append(out, describe(related))
	}
	return out, nil
}

func documentText(subject, body string) string {
	return mailparse.Truncate(fmt.Sprintf("Subject: %s\n\nBody: %s", subject, body), maxDocumentLen)
}

func describe(m *msgdomain.Message) string {
	line := fmt.Sprintf("%s from %s: %s", m.ReceivedAt.Format("2006-01-02"), m.From, m.Subject)
	if m.Shallow.Valid && m.Shallow.Result.Summary != "" {
		line += " (" + m.Shallow.Result.Summary + ")"
	}
	return line
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"agentsync/internal/logging"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

func toolLog() *zerolog.Logger {
	l := logging.Component("agent.tools")
	return &l
}

// InitTools returns the tools available to the model runner. Tools whose
// providers cannot be set up are left out.
func InitTools(ctx context.Context, documents []string) []tool.BaseTool {
	var tools []tool.BaseTool
	if ws := InitWebSearch(ctx); ws != nil {
		tools = append(tools, ws)
	}
	if dr := InitDocumentReader(ctx, documents); dr != nil {
		tools = append(tools, dr)
	}
	return tools
}

func InitWebSearch(ctx context.Context) tool.InvokableTool {
	googleTool := InitGoogleSearch(ctx)
	duckTool := InitDDGSearch(ctx)
	if googleTool == nil && duckTool == nil {
		toolLog().Warn().Msg("web search tool disabled: no search providers available")
		return nil
	}

	ws := &webSearchTool{
		google:     googleTool,
		duck:       duckTool,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
	}

	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for information; " +
			"automatically falls back to another provider if needed; " +
			"fetches the page when given a URL.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		toolLog().Warn().Err(err).Str("url", query).Msg("web url loader failed")
	}

	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}

	if w.google != nil {
		result, err := w.google.InvokableRun(ctx, string(payload))
		if err == nil {
			return result, nil
		}
		toolLog().Warn().Err(err).Msg("google search failed")
	}
	if w.duck != nil {
		result, err := w.duck.InvokableRun(ctx, string(payload))
		if err == nil {
			return result, nil
		}
		toolLog().Warn().Err(err).Msg("duckduckgo search failed")
	}
	return "", errors.New("no search provider succeeded")
}

func InitDDGSearch(ctx context.Context) tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		toolLog().Warn().Err(err).Msg("duckduckgo search disabled")
		return nil
	}
	return duckTool
}

func InitGoogleSearch(ctx context.Context) tool.InvokableTool {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	engineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if apiKey == "" || engineID == "" {
		toolLog().Info().Msg("google search disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         apiKey,
		SearchEngineID: engineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		toolLog().Warn().Err(err).Msg("google search disabled")
		return nil
	}
	return googleTool
}

// documentReader serves chunks of the operator-configured reference
// documents, addressed by file name.
type documentReader struct {
	loader  *file.FileLoader
	docs    map[string]string // base name -> path
	limiter *toolRateLimiter
}

type documentReaderParams struct {
	Name       string `json:"name"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	ChunkSize  int    `json:"chunk_size,omitempty"`
}

func newDocumentReader(ctx context.Context, documents []string) (*documentReader, error) {
	docs := make(map[string]string, len(documents))
	for _, path := range documents {
		if strings.TrimSpace(path) == "" {
			continue
		}
		docs[filepath.Base(path)] = path
	}
	if len(docs) == 0 {
		return nil, errors.New("no documents configured")
	}
	extParser, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, err
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      extParser,
	})
	if err != nil {
		return nil, err
	}
	return &documentReader{
		loader:  loader,
		docs:    docs,
		limiter: newToolRateLimiter(DocumentRateLimit, DocumentRateWindow),
	}, nil
}

func InitDocumentReader(ctx context.Context, documents []string) tool.InvokableTool {
	if len(documents) == 0 {
		return nil
	}
	reader, err := newDocumentReader(ctx, documents)
	if err != nil {
		toolLog().Warn().Err(err).Msg("document reader disabled")
		return nil
	}
	info := &schema.ToolInfo{
		Name: "document_reader",
		Desc: fmt.Sprintf("Read reference documents in small chunks. Available documents: %s. "+
			"Provide the name (and optional chunk_index / chunk_size) to fetch a specific segment; "+
			"limit %d calls per minute per session.", strings.Join(reader.names(), ", "), DocumentRateLimit),
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"name": {
				Desc:     "File name of the document to read.",
				Type:     schema.String,
				Required: true,
			},
			"chunk_index": {
				Desc: "Zero-based chunk index to read, default 0.",
				Type: schema.Integer,
			},
			"chunk_size": {
				Desc: fmt.Sprintf("Number of characters per chunk (max %d, default %d).", DocumentChunkSizeMax, DocumentChunkSizeDefault),
				Type: schema.Integer,
			},
		}),
	}
	return utils.NewTool(info, reader.run)
}

func (r *documentReader) names() []string {
	names := make([]string, 0, len(r.docs))
	for name := range r.docs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *documentReader) run(ctx context.Context, params *documentReaderParams) (string, error) {
	if params == nil || strings.TrimSpace(params.Name) == "" {
		return "", errors.New("name is required")
	}
	path, ok := r.docs[strings.TrimSpace(params.Name)]
	if !ok {
		return "", fmt.Errorf("unknown document %q", params.Name)
	}
	key := "document:" + params.Name
	if userID, sessionID, ok := ToolSessionFromContext(ctx); ok {
		key = "user:" + userID + ":session:" + sessionID
	}
	if !r.limiter.Allow(key) {
		return "", errors.New("document reader rate limit exceeded, please retry in a minute")
	}

	docs, err := r.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return fmt.Sprintf("Document: %s has no readable text content.", params.Name), nil
	}
	segment, index, total := chunkText(text, params.ChunkIndex, params.ChunkSize)
	return fmt.Sprintf("Document: %s\nChunk %d/%d\n\n%s", params.Name, index+1, total, segment), nil
}

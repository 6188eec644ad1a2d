package ingestion

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v5"

	"agentdesk/internal/domain/chunking"
	"agentdesk/internal/domain/port"
	"agentdesk/internal/domain/queue"
)

const maxEmbedWarnings = 20

type embedResult struct {
	chunks   []queue.EmbeddedChunk
	tokens   int
	dropped  int
	warnings []string
}

// embedChunks 分批向量化。整批失败后逐块重试，仍失败的块丢弃并记录警告；
// 配置类错误立即返回，全部块失败时返回最后一个错误。
func (p *Pipeline) embedChunks(ctx context.Context, chunks []chunking.Chunk, r queue.Reporter) (*embedResult, error) {
	out := &embedResult{chunks: make([]queue.EmbeddedChunk, 0, len(chunks))}
	var lastErr error

	for i := 0; i < len(chunks); i += p.cfg.EmbedBatchSize {
		batch := chunks[i:min(i+p.cfg.EmbedBatchSize, len(chunks))]
		texts := make([]string, len(batch))
		for k, c := range batch {
			texts[k] = c.Content
		}

		res, err := p.embedWithRetry(ctx, texts)
		if err == nil {
			out.tokens += res.TokensUsed
			for k, c := range batch {
				out.chunks = append(out.chunks, queue.EmbeddedChunk{Chunk: c, Vector: res.Vectors[k]})
			}
		} else {
			if port.Classify(err) == port.KindConfiguration || ctx.Err() != nil {
				return nil, err
			}
			p.log.Warn("Embedding batch failed, falling back to single chunks",
				"batch_start", i,
				"batch_size", len(batch),
				"error", err,
			)
			for _, c := range batch {
				one, err := p.embedWithRetry(ctx, []string{c.Content})
				if err != nil {
					if port.Classify(err) == port.KindConfiguration || ctx.Err() != nil {
						return nil, err
					}
					lastErr = err
					out.dropped++
					if len(out.warnings) < maxEmbedWarnings {
						out.warnings = append(out.warnings, fmt.Sprintf("chunk %d dropped: %v", c.Index, err))
					}
					continue
				}
				out.tokens += one.TokensUsed
				out.chunks = append(out.chunks, queue.EmbeddedChunk{Chunk: c, Vector: one.Vectors[0]})
			}
		}
		r.Progress((i + len(batch)) * 95 / len(chunks))
	}

	if len(out.chunks) == 0 {
		if lastErr == nil {
			return nil, port.DataError("embed", fmt.Errorf("no chunks to embed"))
		}
		return nil, fmt.Errorf("all %d chunks failed to embed: %w", len(chunks), lastErr)
	}
	if out.dropped > 0 {
		p.log.Warn("Chunks dropped during embedding", "dropped", out.dropped, "embedded", len(out.chunks))
	}
	return out, nil
}

// embedWithRetry 瞬时错误按指数退避重试，其他错误立即返回
func (p *Pipeline) embedWithRetry(ctx context.Context, texts []string) (*port.EmbeddingResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.EmbedBackoffBase
	b.MaxInterval = 30 * p.cfg.EmbedBackoffBase

	return backoff.Retry(ctx, func() (*port.EmbeddingResult, error) {
		res, err := p.Embedder.Embed(ctx, texts)
		if err != nil {
			if !port.Retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if len(res.Vectors) != len(texts) {
			return nil, backoff.Permanent(port.DataError("embed",
				fmt.Errorf("embedder returned %d vectors for %d texts", len(res.Vectors), len(texts))))
		}
		return res, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.cfg.EmbedMaxTries)))
}

package snapshot

import (
	"context"
	"sync"
)

// AttachmentFetcher downloads one attachment's bytes.
type AttachmentFetcher interface {
	GetAttachment(ctx context.Context, ticketID, articleID, attachmentID int64) ([]byte, error)
}

// EnrichOptions bounds attachment binary inclusion.
type EnrichOptions struct {
	IncludeBinary    bool
	MaxBytesPerFile  int64
	MaxTotalBytes    int64
	FetchConcurrency int
}

type fetchResult struct {
	articleIdx    int
	attachmentIdx int
	content       []byte
}

// EnrichAttachments downloads attachment binaries into the snapshot, in
// place, when enabled. Oversized files and fetch failures leave the
// attachment metadata-only; the total budget is applied in article order
// so the selection is deterministic.
func EnrichAttachments(ctx context.Context, snap *Snapshot, fetcher AttachmentFetcher, opts EnrichOptions) {
	if !opts.IncludeBinary || opts.MaxTotalBytes <= 0 || fetcher == nil {
		return
	}
	concurrency := opts.FetchConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	sem := make(chan struct{}, concurrency)
	resultCh := make(chan fetchResult)
	var wg sync.WaitGroup

	for ai := range snap.Articles {
		for xi := range snap.Articles[ai].Attachments {
			att := snap.Articles[ai].Attachments[xi]
			if att.AttachmentID == 0 {
				continue
			}
			// known-oversized files are not worth downloading
			if att.Size > 0 && att.Size > opts.MaxBytesPerFile {
				continue
			}
			wg.Add(1)
			go func(ai, xi int, att AttachmentMeta) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				raw, err := fetcher.GetAttachment(ctx, snap.Ticket.ID, att.ArticleID, att.AttachmentID)
				if err != nil || int64(len(raw)) > opts.MaxBytesPerFile {
					return
				}
				resultCh <- fetchResult{articleIdx: ai, attachmentIdx: xi, content: raw}
			}(ai, xi, att)
		}
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	fetched := make(map[[2]int][]byte)
	for res := range resultCh {
		fetched[[2]int{res.articleIdx, res.attachmentIdx}] = res.content
	}

	var total int64
	for ai := range snap.Articles {
		for xi := range snap.Articles[ai].Attachments {
			content, ok := fetched[[2]int{ai, xi}]
			if !ok {
				continue
			}
			if total+int64(len(content)) > opts.MaxTotalBytes {
				continue
			}
			total += int64(len(content))
			snap.Articles[ai].Attachments[xi].Content = content
		}
	}
}

package memory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ContextEntry is one memory rendered into a prompt context.
type ContextEntry struct {
	ID         string    `json:"id"`
	Tier       Tier      `json:"tier"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence,omitempty"`
	Similarity float32   `json:"similarity,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (e ContextEntry) size() int { return len(e.Content) }

// PromptContext is the merged memory view handed to the conversational
// layer: current-session STM, recent ITM, and the LTM entries most
// similar to the session's latest content, all under a byte budget.
type PromptContext struct {
	Owner     string         `json:"owner"`
	SessionID string         `json:"session_id"`
	STM       []ContextEntry `json:"stm"`
	ITM       []ContextEntry `json:"itm"`
	LTM       []ContextEntry `json:"ltm"`
	Budget    int            `json:"budget"`
	Size      int            `json:"size"`
	Degraded  bool           `json:"degraded,omitempty"`
}

// Context assembles a PromptContext for one session. Fetch failures
// degrade the result rather than failing it: whatever tiers could be
// read are returned, with Degraded set.
func (r *Repository) Context(ctx context.Context, owner OwnerToken, sessionID string) (*PromptContext, error) {
	if owner.Zero() {
		return nil, ErrAnonymousOwner
	}

	pc := &PromptContext{
		Owner:     owner.Owner(),
		SessionID: sessionID,
		Budget:    r.cfg.ContextBudget,
	}

	stm, err := r.ephemeral.SessionItems(ctx, owner.Owner(), sessionID, r.cfg.ContextSTMLimit)
	if err != nil {
		r.logger.Warn("context: stm fetch failed", zap.String("session", sessionID), zap.Error(err))
		pc.Degraded = true
	}
	for _, it := range stm {
		pc.STM = append(pc.STM, itemEntry(it))
	}

	itm, err := r.ephemeral.RecentITM(ctx, owner.Owner(), r.cfg.ContextITMLimit)
	if err != nil {
		r.logger.Warn("context: itm fetch failed", zap.String("owner", owner.Owner()), zap.Error(err))
		pc.Degraded = true
	}
	for _, it := range itm {
		pc.ITM = append(pc.ITM, itemEntry(it))
	}

	// The session's current content is the newest STM entry; without
	// one there is nothing to anchor a similarity search on.
	if len(stm) > 0 {
		hits, err := r.Search(ctx, owner, stm[0].Content, r.cfg.ContextLTMLimit)
		if err != nil {
			r.logger.Warn("context: ltm search failed", zap.String("owner", owner.Owner()), zap.Error(err))
			pc.Degraded = true
		}
		for _, h := range hits {
			pc.LTM = append(pc.LTM, ContextEntry{
				ID:         h.ID,
				Tier:       TierLTM,
				Content:    h.Content,
				Confidence: h.Confidence,
				Similarity: h.Similarity,
				CreatedAt:  h.CreatedAt,
			})
		}
	}

	pc.enforceBudget()
	return pc, nil
}

func itemEntry(it *Item) ContextEntry {
	return ContextEntry{
		ID:         it.ID,
		Tier:       it.Tier,
		Content:    it.Content,
		Confidence: it.Confidence,
		CreatedAt:  it.CreatedAt,
	}
}

// enforceBudget trims the context until its content fits the byte
// budget. Entries are dropped whole, oldest/least-similar first, in
// tier priority order: STM is sacrificed first, then LTM, then ITM.
func (pc *PromptContext) enforceBudget() {
	pc.Size = sectionSize(pc.STM) + sectionSize(pc.ITM) + sectionSize(pc.LTM)
	if pc.Size <= pc.Budget {
		return
	}

	for _, section := range []*[]ContextEntry{&pc.STM, &pc.LTM, &pc.ITM} {
		for pc.Size > pc.Budget && len(*section) > 0 {
			last := len(*section) - 1
			pc.Size -= (*section)[last].size()
			*section = (*section)[:last]
		}
		if pc.Size <= pc.Budget {
			return
		}
	}
}

func sectionSize(entries []ContextEntry) int {
	total := 0
	for _, e := range entries {
		total += e.size()
	}
	return total
}

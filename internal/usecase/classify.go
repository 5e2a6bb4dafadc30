package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"advora-intake/internal/domain"
	"advora-intake/pkg/logger"
	"advora-intake/pkg/metrics"
)

const defaultMinConfidence = 0.6

// VisionClient labels an image.
type VisionClient interface {
	Vision(ctx context.Context, model, instructions string, media domain.Media) (string, error)
}

type visionLabel struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// DocumentClassifier maps a received file onto the checklist kinds. It never
// fails: anything it cannot place with confidence is DocumentOther.
type DocumentClassifier struct {
	vision        VisionClient
	model         string
	req           domain.Requirements
	minConfidence float64
	timeout       time.Duration
	log           *logger.Logger
}

// NewDocumentClassifier builds a classifier for the given checklist.
func NewDocumentClassifier(vision VisionClient, model string, req domain.Requirements, minConfidence float64, timeout time.Duration, log *logger.Logger) (*DocumentClassifier, error) {
	if vision == nil {
		return nil, errors.New("usecase: vision client must not be nil")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("usecase: vision model must not be empty")
	}
	if len(req.Required) == 0 {
		return nil, errors.New("usecase: requirements must list at least one document")
	}
	if minConfidence <= 0 || minConfidence > 1 {
		minConfidence = defaultMinConfidence
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &DocumentClassifier{
		vision:        vision,
		model:         model,
		req:           req,
		minConfidence: minConfidence,
		timeout:       timeout,
		log:           log,
	}, nil
}

// Classify returns the document kind of media. Images go to the vision model;
// other files are matched on filename and caption keywords.
func (c *DocumentClassifier) Classify(ctx context.Context, media domain.Media) domain.DocumentKind {
	kind := c.classify(ctx, media)
	metrics.ClassificationsTotal.WithLabelValues(string(kind)).Inc()
	return kind
}

func (c *DocumentClassifier) classify(ctx context.Context, media domain.Media) domain.DocumentKind {
	if !strings.HasPrefix(strings.ToLower(media.MimeType), "image/") {
		return c.matchKeywords(media.Filename + " " + media.Caption)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	raw, err := c.vision.Vision(ctx, c.model, c.instructions(), media)
	if err != nil {
		c.log.Warn("document classification failed", zap.String("media_id", media.ID), zap.Error(err))
		return domain.DocumentOther
	}
	label, err := parseVisionLabel(raw)
	if err != nil {
		c.log.Warn("document classification unreadable", zap.String("media_id", media.ID), zap.Error(err))
		return domain.DocumentOther
	}
	kind := c.req.Parse(label.Label)
	if kind == domain.DocumentOther {
		return domain.DocumentOther
	}
	if label.Confidence < c.minConfidence {
		c.log.Info("document classification below threshold",
			zap.String("media_id", media.ID),
			zap.String("label", label.Label),
			zap.Float64("confidence", label.Confidence),
		)
		return domain.DocumentOther
	}
	return kind
}

func (c *DocumentClassifier) instructions() string {
	kinds := append(append([]domain.DocumentKind{}, c.req.Required...), c.req.Optional...)
	lines := []string{
		"You classify documents sent to a Brazilian law office intake desk.",
		"Pick exactly one label for the image:",
	}
	for _, k := range kinds {
		lines = append(lines, fmt.Sprintf("- %s: %s", k, k.Label()))
	}
	lines = append(lines,
		fmt.Sprintf("- %s: anything else, or an unreadable image", domain.DocumentOther),
		"",
		`Return JSON only: {"label": "<label>", "confidence": <number between 0 and 1>}.`,
	)
	return strings.Join(lines, "\n")
}

func parseVisionLabel(raw string) (visionLabel, error) {
	var out visionLabel
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return visionLabel{}, fmt.Errorf("usecase: decode vision label: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return visionLabel{}, errors.New("usecase: decode vision label: multiple JSON values")
		}
		return visionLabel{}, fmt.Errorf("usecase: decode vision label trailing data: %w", err)
	}
	if strings.TrimSpace(out.Label) == "" {
		return visionLabel{}, errors.New("usecase: vision label is empty")
	}
	return out, nil
}

var keywordKinds = []struct {
	kind  domain.DocumentKind
	words []string
}{
	{domain.DocumentIdentity, []string{"rg", "cnh", "identidade", "habilitacao", "cpf", "passaporte"}},
	{domain.DocumentProofOfAddress, []string{"residencia", "endereco", "comprovante_residencia"}},
	{domain.DocumentCaseProtocol, []string{"protocolo", "reclamacao", "procon", "chamado", "consumidor_gov"}},
	{domain.DocumentDamageEvidence, []string{"prova", "provas", "evidencia", "dano", "danos", "prejuizo"}},
}

// weakKeywords only decide when no keyword above matched. A bare
// "comprovante" is usually proof of address, while "comprovante da
// reclamacao" must stay a case protocol.
var weakKeywords = map[string]domain.DocumentKind{
	"comprovante":  domain.DocumentProofOfAddress,
	"comprovantes": domain.DocumentProofOfAddress,
}

// matchKeywords picks the first tracked kind whose keyword appears as a word
// of text. Ambiguous text, matching more than one kind, is DocumentOther.
func (c *DocumentClassifier) matchKeywords(text string) domain.DocumentKind {
	words := map[string]bool{}
	tokens := strings.FieldsFunc(foldAccents(strings.ToLower(text)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, w := range tokens {
		words[w] = true
		if i+1 < len(tokens) {
			words[w+"_"+tokens[i+1]] = true
		}
	}

	found := domain.DocumentOther
	for _, kk := range keywordKinds {
		if !c.req.Tracks(kk.kind) {
			continue
		}
		for _, w := range kk.words {
			if !words[w] {
				continue
			}
			if found != domain.DocumentOther && found != kk.kind {
				return domain.DocumentOther
			}
			found = kk.kind
			break
		}
	}
	if found != domain.DocumentOther {
		return found
	}
	for w, kind := range weakKeywords {
		if words[w] && c.req.Tracks(kind) {
			return kind
		}
	}
	return found
}

var accentFolder = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a",
	"é", "e", "ê", "e",
	"í", "i",
	"ó", "o", "ô", "o", "õ", "o",
	"ú", "u", "ü", "u",
	"ç", "c",
)

func foldAccents(s string) string {
	return accentFolder.Replace(s)
}

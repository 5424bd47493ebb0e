package classifier

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"github.com/xela07ax/spaceai-assistant-prototype/internal/infra"
	"go.uber.org/zap"
)

/*
RuleClassifier — детерминированный провайдер на словаре и регулярках.

Это не попытка понять язык. Это дешевый, объяснимый и воспроизводимый разбор
для прототипа и для фолбэка под LLM-провайдером. Вся механика в три шага:

 1. Сегментация фразы по явным маркерам последовательности ("and then",
    "; ", ", then") — каждый сегмент дает свой независимый интент.
 2. Скоринг типов по весовой таблице. Структурные признаки добавляют очков:
    темпоральное выражение усиливает schedule, полный комплект адресата и
    текста усиливает notify.
 3. Извлечение параметров регулярками, best-effort. Недостающие обязательные
    параметры снижают уверенность, недособранное намерение уходит в confirm
    или clarify, а не исполняется вслепую.
*/
type RuleClassifier struct {
	maxIntents int
	margin     float64 // Зазор неоднозначности между топ-кандидатами сегмента
	auto       float64 // Порог auto, ниже которого прижимаются спорные пары
	logger     *zap.Logger
}

func NewRuleClassifier(cfg infra.ClassifierConfig, gate infra.GateConfig, logger *zap.Logger) *RuleClassifier {
	maxIntents := cfg.MaxIntents
	if maxIntents <= 0 {
		maxIntents = 3
	}
	margin := gate.AmbiguityMargin
	if margin <= 0 || margin > 1 {
		margin = 0.10
	}
	auto := gate.AutoThreshold
	if auto <= 0 || auto > 1 {
		auto = 0.95
	}
	return &RuleClassifier{
		maxIntents: maxIntents,
		margin:     margin,
		auto:       auto,
		logger:     logger.With(zap.String("mod", "classifier_rules")),
	}
}

// Весовая таблица подобрана вручную: одиночный сильный глагол дает уверенность
// уровня confirm, комбинация со вторичными словами дотягивает до auto.
var keywordWeights = map[domain.IntentType]map[string]float64{
	domain.IntentSchedule: {
		"schedule": 0.62, "reschedule": 0.62, "book": 0.45, "calendar": 0.45,
		"appointment": 0.45, "meeting": 0.25, "invite": 0.25, "remind": 0.30,
	},
	domain.IntentSummarize: {
		"summarize": 0.78, "summarise": 0.78, "summary": 0.60, "tl;dr": 0.60,
		"recap": 0.55, "digest": 0.45, "overview": 0.40, "key points": 0.45,
	},
	domain.IntentAnalyze: {
		"analyze": 0.80, "analyse": 0.80, "analysis": 0.65, "evaluate": 0.50,
		"compare": 0.50, "breakdown": 0.45, "trend": 0.35, "insight": 0.35, "metric": 0.30,
	},
	domain.IntentNotify: {
		"notify": 0.62, "inform": 0.55, "ping": 0.50, "tell": 0.45,
		"forward": 0.35, "message": 0.35, "reply": 0.30, "send": 0.25,
	},
}

// Бонусы за структурные признаки сегмента
const (
	whenBonus   = 0.10 // Темпоральное выражение — сильный сигнал календарного намерения
	notifyBonus = 0.30 // Полный комплект адресата и текста — сигнал осмысленной отправки
)

// Маркеры последовательности действий. Голое "and" сознательно не сплиттер:
// оно слишком часто связывает однородные члены, а не два намерения.
var segmentMarkers = []string{" and then ", " and also ", "; ", ", then ", " then ", ", plus "}

var (
	whenRe = regexp.MustCompile(`(?i)\b(?:today|tonight|tomorrow|next\s+(?:week|month|monday|tuesday|wednesday|thursday|friday|saturday|sunday)|monday|tuesday|wednesday|thursday|friday|saturday|sunday|\d{4}-\d{2}-\d{2})\b(?:\s+at\s+\d{1,2}(?::\d{2})?\s*(?:am|pm)?)?|\bat\s+\d{1,2}(?::\d{2})?\s*(?:am|pm)\b`)

	scheduleTitleRe = regexp.MustCompile(`(?i)\b(?:schedule|reschedule|book|plan|set\s+up)\s+(?:(?:a|an|the)\s+)?(.+)$`)
	queryRe         = regexp.MustCompile(`(?i)\b(?:summarize|summarise|recap|digest|analyze|analyse|evaluate|compare|review)\s+(?:(?:a|an|the)\s+)?(.+)$`)
	recipientRe     = regexp.MustCompile(`(?i)\b(?:tell|notify|ping|inform|remind)\s+(.+?)\s+(?:that\b|about\b|to\b)`)
	notifyTextRe    = regexp.MustCompile(`(?i)\b(?:that|about|to)\s+(.+)$`)
)

func (rc *RuleClassifier) Classify(ctx context.Context, messageID, text string, sc domain.SessionContext) []domain.Intent {
	_ = ctx // Разбор синхронный, контекст здесь ради общего контракта провайдеров

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []domain.Intent{unclassifiedIntent(messageID, text)}
	}

	var intents []domain.Intent
	for _, seg := range splitSegments(trimmed, rc.maxIntents) {
		cands := scoreSegment(seg, sc)
		if len(cands) == 0 {
			continue
		}
		// Победитель сегмента плюс конкуренты в пределах зазора: их не
		// отбрасываем, выбор между ними принадлежит пользователю
		best := cands[0]
		intents = append(intents, newIntent(best.intentType, best.conf, best.params, seg, messageID))
		for _, c := range cands[1:] {
			if best.conf-c.conf < rc.margin {
				intents = append(intents, newIntent(c.intentType, c.conf, c.params, seg, messageID))
			}
		}
	}

	if len(intents) == 0 {
		rc.logger.Debug("no intent matched", zap.String("text", trimmed))
		return []domain.Intent{unclassifiedIntent(messageID, text)}
	}

	intents = capCompeting(intents, rc.margin, rc.auto)
	if len(intents) > rc.maxIntents {
		intents = intents[:rc.maxIntents]
	}
	return intents
}

type candidate struct {
	intentType domain.IntentType
	conf       float64
	params     map[string]string
}

// scoreSegment возвращает кандидатов сегмента, отсортированных по убыванию
// уверенности. Порядок при равенстве фиксируется типом, чтобы разбор был
// воспроизводим от запуска к запуску.
func scoreSegment(seg string, sc domain.SessionContext) []candidate {
	segLower := strings.ToLower(seg)
	tokens := tokenize(segLower)

	var cands []candidate
	for intentType, weights := range keywordWeights {
		score := 0.0
		for kw, w := range weights {
			if matchKeyword(segLower, tokens, kw) {
				score += w
			}
		}
		if score == 0 {
			continue
		}

		params := extractParams(intentType, seg, sc)
		score += structureBonus(intentType, params)
		if score > ruleCeiling {
			score = ruleCeiling
		}
		conf, _ := discountMissing(intentType, score, params)
		cands = append(cands, candidate{intentType: intentType, conf: conf, params: params})
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].conf == cands[j].conf {
			return cands[i].intentType < cands[j].intentType
		}
		return cands[i].conf > cands[j].conf
	})
	return cands
}

func structureBonus(t domain.IntentType, params map[string]string) float64 {
	switch t {
	case domain.IntentSchedule:
		if params["when"] != "" {
			return whenBonus
		}
	case domain.IntentNotify:
		if params["recipient"] != "" && params["text"] != "" {
			return notifyBonus
		}
	}
	return 0
}

func extractParams(t domain.IntentType, seg string, sc domain.SessionContext) map[string]string {
	params := map[string]string{}
	switch t {
	case domain.IntentSchedule:
		if m := whenRe.FindString(seg); m != "" {
			params["when"] = strings.TrimSpace(m)
		}
		if m := scheduleTitleRe.FindStringSubmatch(seg); m != nil {
			title := strings.TrimSpace(m[1])
			// Темпоральную часть из заголовка вырезаем: она уже ушла в when
			if loc := whenRe.FindStringIndex(title); loc != nil {
				title = strings.Join(strings.Fields(title[:loc[0]]+" "+title[loc[1]:]), " ")
			}
			if title = strings.Trim(title, " ,.!?"); title != "" {
				params["title"] = title
			}
		}
	case domain.IntentSummarize, domain.IntentAnalyze:
		if m := queryRe.FindStringSubmatch(seg); m != nil {
			if q := strings.Trim(strings.TrimSpace(m[1]), " ,.!?"); q != "" {
				params["query"] = q
			}
		}
		// Активные документы беседы сужают поиск по базе знаний
		if len(sc.ActiveReferences) > 0 {
			params["scope"] = strings.Join(sc.ActiveReferences, ",")
		}
	case domain.IntentNotify:
		if m := recipientRe.FindStringSubmatch(seg); m != nil {
			if r := strings.TrimSpace(m[1]); r != "" {
				params["recipient"] = r
			}
		}
		if m := notifyTextRe.FindStringSubmatch(seg); m != nil {
			if txt := strings.Trim(strings.TrimSpace(m[1]), " ,.!?"); txt != "" {
				params["text"] = txt
			}
		}
	}
	return params
}

func tokenize(lower string) map[string]bool {
	tokens := map[string]bool{}
	for _, f := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		tokens[f] = true
	}
	return tokens
}

func matchKeyword(segLower string, tokens map[string]bool, kw string) bool {
	// Составные ключи ("key points", "tl;dr") ищем подстрокой,
	// одиночные — по токенам, с грубым учетом множественного числа
	if strings.ContainsAny(kw, " ;") {
		return strings.Contains(segLower, kw)
	}
	return tokens[kw] || tokens[kw+"s"]
}

func splitSegments(text string, limit int) []string {
	parts := []string{text}
	for _, marker := range segmentMarkers {
		var next []string
		for _, p := range parts {
			next = append(next, splitOnMarker(p, marker)...)
		}
		parts = next
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
		if len(out) == limit {
			break
		}
	}
	return out
}

// splitOnMarker режет строку по маркеру без учета регистра, сохраняя
// оригинальное написание кусков.
func splitOnMarker(s, marker string) []string {
	lower := strings.ToLower(s)
	var out []string
	for {
		i := strings.Index(lower, marker)
		if i < 0 {
			out = append(out, s)
			return out
		}
		out = append(out, s[:i])
		s = s[i+len(marker):]
		lower = lower[i+len(marker):]
	}
}

package gate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
)

/*
Шлюз уверенности (Confidence Gate).

Чистая функция без I/O и побочных эффектов: (интент, класс обратимости,
пользовательская настройка, действующие пороги) → вердикт. Персистентность
и кэширование порогов живут рядом в MemoThresholds, но само решение зависит
только от аргументов, поэтому свойства шлюза проверяются прямым перебором.

Уровни по убыванию уверенности:

	conf >= auto    и класс обратим → auto
	conf >= confirm                 → confirm (превью + одно подтверждение)
	conf >= clarify                 → confirm с развернутым обоснованием
	conf <  clarify                 → clarify (вопрос, задача не создается)

Два инварианта, которые не пробиваются ничем:

 1. Необратимое действие никогда не уходит в auto. Обратимость сильнее
    уверенности, пол асимметричный: настройка пользователя может смягчить
    confirm до auto, но не для необратимого класса.
 2. Ниже порога clarify не бывает даже confirm: непонятое намерение нельзя
    подтвердить, его можно только переспросить.

Настройка AutoApprove действует только в верхней полосе confirm. Нижняя
полоса существует потому, что система сама сомневается в разборе, и заранее
выданное согласие пользователя этого сомнения не снимает.
*/

// Decide выносит вердикт шлюза по одному интенту.
func Decide(intent domain.Intent, reversibility domain.ReversibilityClass, pref domain.AutomationPreference, ts domain.ThresholdSet) domain.GateDecision {
	if !ts.Valid() {
		ts = domain.DefaultThresholds()
	}

	d := domain.GateDecision{
		IntentID:   intent.ID,
		Confidence: intent.Confidence,
	}
	conf := intent.Confidence

	switch {
	case conf >= ts.Auto:
		d.ThresholdUsed = ts.Auto
		if !reversibility.Undoable() {
			d.Mode = domain.ModeConfirm
			d.Reasoning = fmt.Sprintf("confidence %.2f clears the %.2f auto bar, but %s actions always require explicit confirmation",
				conf, ts.Auto, reversibility)
			return d
		}
		d.Mode = domain.ModeAuto
		d.Reasoning = fmt.Sprintf("confidence %.2f >= %.2f and the action is %s", conf, ts.Auto, reversibility)
		return d

	case conf >= ts.Confirm:
		d.ThresholdUsed = ts.Confirm
		if reversibility.Undoable() && pref.AllowsAuto(intent.Type) {
			d.Mode = domain.ModeAuto
			d.PreferenceUsed = true
			d.Reasoning = fmt.Sprintf("confidence %.2f >= %.2f, auto-approve preference enabled for %q",
				conf, ts.Confirm, intent.Type)
			return d
		}
		d.Mode = domain.ModeConfirm
		d.Reasoning = fmt.Sprintf("confidence %.2f >= %.2f: preview shown, one acknowledgement required",
			conf, ts.Confirm)
		return d

	case conf >= ts.Clarify:
		d.ThresholdUsed = ts.Clarify
		d.Mode = domain.ModeConfirm
		d.Reasoning = fmt.Sprintf("interpreted as %q (%s) with confidence %.2f, inside the caution band [%.2f, %.2f): please review the interpretation before approving",
			intent.Type, describeParams(intent.Parameters), conf, ts.Clarify, ts.Confirm)
		return d

	default:
		d.ThresholdUsed = ts.Clarify
		d.Mode = domain.ModeClarify
		d.Reasoning = fmt.Sprintf("confidence %.2f is below the %.2f clarify floor: a disambiguating question is required, no task is created",
			conf, ts.Clarify)
		return d
	}
}

// describeParams сворачивает параметры в стабильную строку для обоснования.
func describeParams(params map[string]string) string {
	if len(params) == 0 {
		return "no parameters extracted"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, ", ")
}

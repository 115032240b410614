// Package chatbot implements the deterministic auto-reply state machine.
//
// Transitions are declared as an explicit table of (state, predicate) to
// (next state, reply template). Matching is case-insensitive substring
// containment over the trimmed inbound text; there is deliberately no synonym
// handling and no path back out of the terminal states.
package chatbot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
)

// Action is the outcome of advancing the state machine one step.
type Action struct {
	// Next is the state to persist. Equal to the current state when the
	// machine does not move.
	Next models.ChatState
	// Reply is the automated reply text. Empty means stay silent.
	Reply string
	// EmitPurchase signals that a purchase-intent analytics event should fire.
	EmitPurchase bool
}

// rule is one row of the transition table. An empty keyword list matches any
// input; rows are evaluated in order and the first match wins.
type rule struct {
	keywords     []string
	next         models.ChatState
	render       func(plans []models.Plan) string
	emitPurchase bool
}

var transitions = map[models.ChatState][]rule{
	models.StateStart: {
		{next: models.StateQualifying, render: renderGreeting},
	},
	models.StateQualifying: {
		{keywords: []string{"promocion", "paquete"}, next: models.StateDecision, render: renderDecisionPrompt},
		{next: models.StateQualifying, render: renderClarify},
	},
	models.StateDecision: {
		{keywords: []string{"asesor", "real"}, next: models.StateHumanHandoff, render: renderHandoff},
		{next: models.StateShowingPlans, render: renderPlans},
	},
	models.StateShowingPlans: {
		{next: models.StateCompleted, render: renderCompleted, emitPurchase: true},
	},
	// HUMAN_HANDOFF and COMPLETED have no rows: terminal and silent.
}

// Advance computes the transition for one inbound text. It is a pure function
// of (state, text, plans); callers persist the returned state before any reply
// is dispatched.
func Advance(state models.ChatState, text string, plans []models.Plan) Action {
	normalized := strings.ToLower(strings.TrimSpace(text))

	for _, r := range transitions[state] {
		if !matches(r.keywords, normalized) {
			continue
		}
		return Action{
			Next:         r.next,
			Reply:        r.render(plans),
			EmitPurchase: r.emitPurchase,
		}
	}

	// Terminal or unknown state: stay put, say nothing.
	return Action{Next: state}
}

func matches(keywords []string, normalized string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(normalized, kw) {
			return true
		}
	}
	return false
}

func renderGreeting(_ []models.Plan) string {
	return "¡Hola! Bienvenido a Vida Digital. ¿Te interesa conocer nuestra promocion del mes o prefieres ver otros paquetes?"
}

func renderClarify(_ []models.Plan) string {
	return "¿Podrias contarnos un poco mas? Escribenos \"promocion\" si te interesa la promocion del mes o \"paquete\" para conocer nuestros paquetes."
}

func renderDecisionPrompt(_ []models.Plan) string {
	return "¡Perfecto! ¿Quieres que te mostremos los planes disponibles o prefieres hablar con un asesor real?"
}

func renderHandoff(_ []models.Plan) string {
	return "Entendido, uno de nuestros asesores te atendera en un momento. ¡Gracias por escribirnos!"
}

func renderPlans(plans []models.Plan) string {
	if len(plans) == 0 {
		return "Por el momento no tenemos planes disponibles. Un asesor te contactara muy pronto."
	}
	var b strings.Builder
	b.WriteString("Estos son nuestros planes disponibles:\n")
	for _, p := range plans {
		fmt.Fprintf(&b, "- %s: $%s\n", p.Name, formatPrice(p.Price))
	}
	b.WriteString("Escribenos cual te interesa.")
	return b.String()
}

func renderCompleted(_ []models.Plan) string {
	return "¡Gracias! Hemos registrado tu interes. Un asesor confirmara tu compra muy pronto."
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', -1, 64)
}

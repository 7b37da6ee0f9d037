package negotiation

// Node is one state in the per-call conversational state machine. The set is
// closed: every transition is enumerated in the table below so the full graph
// is statically checkable.
type Node string

// Negotiation nodes.
const (
	// NodeGreeting opens the call and asks for the parts desk.
	NodeGreeting Node = "greeting"
	// NodeBotScreening handles IVR menus and voicemail until a human answers.
	NodeBotScreening Node = "bot_screening"
	// NodeRequestQuote asks for price and availability of the current part.
	NodeRequestQuote Node = "request_quote"
	// NodeClarify answers supplier questions about the current part.
	NodeClarify Node = "clarify"
	// NodeNegotiate pushes a disclosed price toward the part budget.
	NodeNegotiate Node = "negotiate"
	// NodeFinalOffer is the last negotiation round, entered on a price-match
	// directive or when attempts are nearly exhausted.
	NodeFinalOffer Node = "final_offer"
	// NodeMiscCosts asks about shipping, handling, and other fees.
	NodeMiscCosts Node = "misc_costs"
	// NodeConfirm recaps the quoted parts and confirms the quote.
	NodeConfirm Node = "confirm"
	// NodeTransfer waits while the supplier hands the call to someone else.
	NodeTransfer Node = "transfer"
	// NodeEscalate is terminal: a human needs to take over.
	NodeEscalate Node = "escalate"
	// NodeEnd is terminal: the call is wrapping up.
	NodeEnd Node = "end"
)

// TerminalNode reports whether the node ends the call.
func TerminalNode(n Node) bool {
	return n == NodeEnd || n == NodeEscalate
}

// QuoteBearing reports whether supplier speech at this node may contain
// quote data worth extracting.
func QuoteBearing(n Node) bool {
	switch n {
	case NodeRequestQuote, NodeClarify, NodeNegotiate, NodeFinalOffer, NodeMiscCosts:
		return true
	default:
		return false
	}
}

// Classification buckets one supplier utterance for transition lookup.
type Classification string

// Utterance classifications.
const (
	ClassPriceGiven Classification = "price_given"
	ClassAgreement  Classification = "agreement"
	ClassRefusal    Classification = "refusal"
	ClassQuestion   Classification = "question"
	ClassTransfer   Classification = "transfer"
	ClassBot        Classification = "bot"
	ClassGoodbye    Classification = "goodbye"
	ClassOther      Classification = "other"
)

// transitions is the closed transition table: current node × classification
// → next node. Classifications absent for a node fall back to defaultNext.
// State-dependent refinements (budget checks, attempt caps, part advancement)
// are applied by the processor after the lookup.
var transitions = map[Node]map[Classification]Node{
	NodeGreeting: {
		ClassBot:      NodeBotScreening,
		ClassTransfer: NodeTransfer,
		ClassQuestion: NodeClarify,
		ClassGoodbye:  NodeEnd,
	},
	NodeBotScreening: {
		ClassBot:     NodeBotScreening,
		ClassGoodbye: NodeEnd,
	},
	NodeRequestQuote: {
		ClassPriceGiven: NodeNegotiate,
		ClassQuestion:   NodeClarify,
		ClassTransfer:   NodeTransfer,
		ClassBot:        NodeBotScreening,
		ClassGoodbye:    NodeEnd,
	},
	NodeClarify: {
		ClassPriceGiven: NodeNegotiate,
		ClassQuestion:   NodeClarify,
		ClassTransfer:   NodeTransfer,
		ClassGoodbye:    NodeEnd,
	},
	NodeNegotiate: {
		ClassPriceGiven: NodeNegotiate,
		ClassQuestion:   NodeClarify,
		ClassTransfer:   NodeTransfer,
		ClassGoodbye:    NodeEnd,
	},
	NodeFinalOffer: {
		ClassQuestion: NodeClarify,
		ClassGoodbye:  NodeEnd,
	},
	NodeMiscCosts: {
		ClassQuestion: NodeClarify,
		ClassTransfer: NodeTransfer,
		ClassGoodbye:  NodeEnd,
	},
	NodeConfirm: {
		ClassQuestion: NodeClarify,
		ClassTransfer: NodeTransfer,
	},
	NodeTransfer: {
		ClassBot:     NodeBotScreening,
		ClassGoodbye: NodeEnd,
	},
}

// defaultNext is the per-node default when no classification-specific
// transition applies.
var defaultNext = map[Node]Node{
	NodeGreeting:     NodeRequestQuote,
	NodeBotScreening: NodeGreeting,
	NodeRequestQuote: NodeRequestQuote,
	NodeClarify:      NodeRequestQuote,
	NodeNegotiate:    NodeRequestQuote,
	NodeFinalOffer:   NodeConfirm,
	NodeMiscCosts:    NodeConfirm,
	NodeConfirm:      NodeEnd,
	NodeTransfer:     NodeGreeting,
	NodeEscalate:     NodeEscalate,
	NodeEnd:          NodeEnd,
}

// NextNode resolves the transition table for one step.
func NextNode(current Node, class Classification) Node {
	if byClass, ok := transitions[current]; ok {
		if next, ok := byClass[class]; ok {
			return next
		}
	}
	if next, ok := defaultNext[current]; ok {
		return next
	}
	return NodeEnd
}

// AllNodes enumerates every node, in conversational order. Used by tests and
// by the script book to guarantee a fallback line exists for each node.
func AllNodes() []Node {
	return []Node{
		NodeGreeting,
		NodeBotScreening,
		NodeRequestQuote,
		NodeClarify,
		NodeNegotiate,
		NodeFinalOffer,
		NodeMiscCosts,
		NodeConfirm,
		NodeTransfer,
		NodeEscalate,
		NodeEnd,
	}
}

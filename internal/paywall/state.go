package paywall

type PresentationKind int

const (
	FromEvent PresentationKind = iota
	FromIdentifier
	FromDefault
)

// PresentationInfo says what caused a presentation request.
type PresentationInfo struct {
	Kind       PresentationKind
	Event      EventData
	Identifier string
}

func EventPresentation(e EventData) PresentationInfo {
	return PresentationInfo{Kind: FromEvent, Event: e}
}

func IdentifierPresentation(identifier string) PresentationInfo {
	return PresentationInfo{Kind: FromIdentifier, Identifier: identifier}
}

func DefaultPresentation() PresentationInfo {
	return PresentationInfo{Kind: FromDefault}
}

func (p PresentationInfo) String() string {
	switch p.Kind {
	case FromEvent:
		return "event:" + p.Event.Name
	case FromIdentifier:
		return "identifier:" + p.Identifier
	default:
		return "default"
	}
}

type StateKind string

const (
	StatePresented StateKind = "presented"
	StateSkipped   StateKind = "skipped"
	StateDismissed StateKind = "dismissed"
	StateCancelled StateKind = "cancelled"
)

type SkipReason string

const (
	SkipNoMatch            SkipReason = "noMatch"
	SkipOccurrenceExceeded SkipReason = "occurrenceExceeded"
	SkipHoldout            SkipReason = "holdout"
	SkipEventNotFound      SkipReason = "eventNotFound"
	SkipNoPaywall          SkipReason = "noPaywall"
	SkipAssignmentError    SkipReason = "assignmentError"
	SkipBuildError         SkipReason = "buildError"
	SkipAlreadyPresenting  SkipReason = "alreadyPresenting"
	SkipUserIsSubscribed   SkipReason = "userIsSubscribed"
	SkipNoPresenter        SkipReason = "noPresenter"
	SkipPresentationFailed SkipReason = "presentationFailed"
)

// Message is the human readable text reported with a skip.
func (r SkipReason) Message() string {
	switch r {
	case SkipNoMatch:
		return "no rule matched the event"
	case SkipOccurrenceExceeded:
		return "the matched rule has fired its maximum number of times"
	case SkipHoldout:
		return "the user is in a holdout group"
	case SkipEventNotFound:
		return "no trigger is configured for the event"
	case SkipNoPaywall:
		return "no paywall identifier could be resolved"
	case SkipAssignmentError:
		return "the variant assignment could not be confirmed"
	case SkipBuildError:
		return "the paywall could not be built"
	case SkipAlreadyPresenting:
		return "a paywall is already being presented"
	case SkipUserIsSubscribed:
		return "the user is subscribed"
	case SkipNoPresenter:
		return "no presenter to present the paywall on; this usually happens before the host surface is ready"
	case SkipPresentationFailed:
		return "the presenter failed to show the paywall"
	default:
		return string(r)
	}
}

type DismissState string

const (
	DismissClosed         DismissState = "closed"
	DismissPurchased      DismissState = "purchased"
	DismissRestored       DismissState = "restored"
	DismissPurchaseFailed DismissState = "purchaseFailed"
)

// CloseReason says whether the paywall was closed by user or system logic, or because another paywall will show.
type CloseReason string

const (
	CloseSystemLogic         CloseReason = "systemLogic"
	CloseForNextPaywall      CloseReason = "forNextPaywall"
	CloseWebViewFailedToLoad CloseReason = "webViewFailedToLoad"
	CloseNone                CloseReason = "none"
)

type DismissResult struct {
	State       DismissState `json:"state"`
	CloseReason CloseReason  `json:"close_reason"`
}

// PaywallState is one lifecycle notification for a presentation request.
type PaywallState struct {
	Kind       StateKind
	RequestID  string
	Identifier string
	VariantID  string
	Reason     SkipReason
	Err        error
	Dismissal  DismissResult
}

// Decision reports whether the state settles the presentation decision.
func (s PaywallState) Decision() bool {
	return s.Kind == StatePresented || s.Kind == StateSkipped || s.Kind == StateCancelled
}

// Final reports whether no state follows this one.
func (s PaywallState) Final() bool {
	return s.Kind != StatePresented
}

func (s PaywallState) Message() string {
	switch s.Kind {
	case StateSkipped:
		if s.Err != nil {
			return s.Reason.Message() + ": " + s.Err.Error()
		}
		return s.Reason.Message()
	case StateDismissed:
		return "dismissed: " + string(s.Dismissal.State)
	default:
		return string(s.Kind)
	}
}

package artifact

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"paywall-trigger-engine/internal/paywall"
)

// Artifact is a built paywall ready to be shown. Its payload never changes
// after construction; only the active flag does.
type Artifact struct {
	ID         string
	Identifier string
	CreatedAt  time.Time

	payload paywall.Payload
	active  atomic.Bool
	// base is the cached artifact a per-request view was derived from.
	base *Artifact
}

func New(payload paywall.Payload) *Artifact {
	return &Artifact{
		ID:         uuid.NewString(),
		Identifier: payload.Identifier,
		CreatedAt:  time.Now().UTC(),
		payload:    payload,
	}
}

// Payload returns a copy of the payload.
func (a *Artifact) Payload() paywall.Payload {
	p := a.payload
	p.Products = append([]paywall.Product(nil), a.payload.Products...)
	return p
}

func (a *Artifact) Condition() paywall.PresentationCondition { return a.payload.PresentationCondition }

func (a *Artifact) Style() paywall.Style { return a.payload.Style }

func (a *Artifact) IsActive() bool { return a.active.Load() }

// root is the cached artifact a was derived from, or a itself.
func (a *Artifact) root() *Artifact {
	if a.base != nil {
		return a.base
	}
	return a
}

// withProducts returns a view of a carrying subs. Without substitutes a is
// returned unchanged.
func (a *Artifact) withProducts(subs []paywall.Product) *Artifact {
	if len(subs) == 0 {
		return a
	}
	p := a.Payload()
	p.Products = Substitute(p.Products, subs)
	view := New(p)
	view.CreatedAt = a.CreatedAt
	view.base = a.root()
	return view
}

// Substitute returns products with each substitute replacing the product of
// the same type, or of the same identifier when the substitute is untyped.
// Substitutes matching nothing are appended, so applying the same set twice
// is a no-op.
func Substitute(products, subs []paywall.Product) []paywall.Product {
	out := append([]paywall.Product(nil), products...)
	for _, s := range subs {
		i := indexOf(out, s)
		if i < 0 {
			out = append(out, s)
			continue
		}
		out[i] = s
	}
	return out
}

func indexOf(products []paywall.Product, s paywall.Product) int {
	for i, p := range products {
		if s.Type != "" && p.Type == s.Type {
			return i
		}
		if s.Type == "" && p.Identifier == s.Identifier {
			return i
		}
	}
	return -1
}

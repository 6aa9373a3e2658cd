package wishwell

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope. Status carries the HTTP
// status code of the response that produced it; it is not part of the wire
// format.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`

	Status int `json:"-"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// PaginationOptions selects a page of a listing endpoint.
type PaginationOptions struct {
	Limit  int
	Offset int
}

// ============================================================================
// Wish / Pledge / Proof Types
// ============================================================================

// Wish is a funding goal created by a user.
type Wish struct {
	ID            string  `json:"id"`
	OwnerID       string  `json:"ownerId"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	TargetAmount  float64 `json:"targetAmount"`
	PledgedAmount float64 `json:"pledgedAmount"`
	Status        string  `json:"status"` // "open", "funded", "resolved", "expired"
	CreatedAt     string  `json:"createdAt"`
	Deadline      string  `json:"deadline,omitempty"`
}

// CreateWishOptions describes a new wish.
type CreateWishOptions struct {
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	TargetAmount float64 `json:"targetAmount"`
	Deadline     string  `json:"deadline,omitempty"`
}

// Pledge is a commitment of funds against a wish.
type Pledge struct {
	ID        string  `json:"id"`
	WishID    string  `json:"wishId"`
	UserID    string  `json:"userId"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"` // "pending", "confirmed", "released", "refunded"
	CreatedAt string  `json:"createdAt"`
}

// Proof is evidence of wish completion, voted on by pledgers.
type Proof struct {
	ID           string `json:"id"`
	WishID       string `json:"wishId"`
	Description  string `json:"description,omitempty"`
	MediaURL     string `json:"mediaUrl,omitempty"`
	VotesFor     int    `json:"votesFor"`
	VotesAgainst int    `json:"votesAgainst"`
	Status       string `json:"status"` // "pending", "accepted", "rejected"
	CreatedAt    string `json:"createdAt"`
}

// UserProfile is the public shape of a platform user.
type UserProfile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Followers   int    `json:"followers"`
	Following   int    `json:"following"`
}

// ============================================================================
// Notification Types
// ============================================================================

// NotificationKind discriminates notification payloads.
type NotificationKind string

const (
	KindPledge     NotificationKind = "pledge"
	KindVote       NotificationKind = "vote"
	KindResolution NotificationKind = "resolution"
	KindFollow     NotificationKind = "follow"
	KindMention    NotificationKind = "mention"
	KindSystem     NotificationKind = "system"
)

// Known reports whether the kind is one this SDK version understands.
// Unknown kinds are retained as-is for forward compatibility.
func (k NotificationKind) Known() bool {
	switch k {
	case KindPledge, KindVote, KindResolution, KindFollow, KindMention, KindSystem:
		return true
	}
	return false
}

// Notification is a single entry in the user's notification feed.
// Identity is the ID; duplicate deliveries are merged, never duplicated.
type Notification struct {
	ID              string           `json:"id"`
	Kind            NotificationKind `json:"kind"`
	Title           string           `json:"title"`
	Message         string           `json:"message"`
	RelatedEntityID string           `json:"relatedEntityId,omitempty"`
	Amount          float64          `json:"amount,omitempty"`
	CreatedAt       string           `json:"createdAt"`
	Read            bool             `json:"read"`
	Data            json.RawMessage  `json:"data,omitempty"`
}

// NotificationPayload is the decoded, kind-specific part of a notification.
// Exactly one concrete type implements it per known kind; UnknownPayload
// covers kinds newer than this SDK.
type NotificationPayload interface {
	notificationPayload()
}

// PledgePayload accompanies KindPledge notifications.
type PledgePayload struct {
	WishID   string  `json:"wishId"`
	PledgeID string  `json:"pledgeId"`
	UserID   string  `json:"userId"`
	Amount   float64 `json:"amount"`
}

// VotePayload accompanies KindVote notifications.
type VotePayload struct {
	WishID  string `json:"wishId"`
	ProofID string `json:"proofId"`
	UserID  string `json:"userId"`
	InFavor bool   `json:"inFavor"`
}

// ResolutionPayload accompanies KindResolution notifications.
type ResolutionPayload struct {
	WishID  string `json:"wishId"`
	Outcome string `json:"outcome"` // "accepted" or "rejected"
}

// FollowPayload accompanies KindFollow notifications.
type FollowPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// MentionPayload accompanies KindMention notifications.
type MentionPayload struct {
	UserID   string `json:"userId"`
	WishID   string `json:"wishId,omitempty"`
	Fragment string `json:"fragment,omitempty"`
}

// SystemPayload accompanies KindSystem notifications.
type SystemPayload struct {
	Category string `json:"category,omitempty"`
}

// UnknownPayload preserves the raw data of an unrecognized kind.
type UnknownPayload struct {
	Kind NotificationKind
	Raw  json.RawMessage
}

func (PledgePayload) notificationPayload()     {}
func (VotePayload) notificationPayload()       {}
func (ResolutionPayload) notificationPayload() {}
func (FollowPayload) notificationPayload()     {}
func (MentionPayload) notificationPayload()    {}
func (SystemPayload) notificationPayload()     {}
func (UnknownPayload) notificationPayload()    {}

// Payload decodes the kind-specific data. Unrecognized kinds decode to
// UnknownPayload rather than an error.
func (n *Notification) Payload() (NotificationPayload, error) {
	data := n.Data
	if data == nil {
		data = json.RawMessage(`{}`)
	}
	switch n.Kind {
	case KindPledge:
		var p PledgePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindVote:
		var p VotePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindResolution:
		var p ResolutionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindFollow:
		var p FollowPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindMention:
		var p MentionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindSystem:
		var p SystemPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
	return UnknownPayload{Kind: n.Kind, Raw: data}, nil
}

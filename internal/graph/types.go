package graph

import "time"

// EmailAddress is a provider address value
type EmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Recipient wraps an address the way the provider nests it
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

// MessagePreview is the field-limited read used for the filter decision
type MessagePreview struct {
	ID               string     `json:"id"`
	Subject          string     `json:"subject"`
	From             *Recipient `json:"from,omitempty"`
	ReceivedDateTime time.Time  `json:"receivedDateTime"`
}

// SenderAddress returns the sender address, or "" when the provider omits it
func (p *MessagePreview) SenderAddress() string {
	if p.From == nil {
		return ""
	}
	return p.From.EmailAddress.Address
}

// ItemBody is a message body with its content type
type ItemBody struct {
	ContentType string `json:"contentType"` // "text" or "html"
	Content     string `json:"content"`
}

// Message is the full message resource
type Message struct {
	MessagePreview
	Body           ItemBody `json:"body"`
	HasAttachments bool     `json:"hasAttachments"`
}

// User is the minimal profile read used to bind an OAuth grant to a mailbox
type User struct {
	ID                string `json:"id"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// Address returns the best mailbox address the profile carries
func (u *User) Address() string {
	if u.Mail != "" {
		return u.Mail
	}
	return u.UserPrincipalName
}

// SubscriptionRequest is the create/renew payload for a push subscription
type SubscriptionRequest struct {
	ChangeType         string    `json:"changeType,omitempty"`
	NotificationURL    string    `json:"notificationUrl,omitempty"`
	Resource           string    `json:"resource,omitempty"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ClientState        string    `json:"clientState,omitempty"`
}

// SubscriptionResource is the provider's view of a push subscription
type SubscriptionResource struct {
	ID                 string    `json:"id"`
	Resource           string    `json:"resource"`
	ChangeType         string    `json:"changeType"`
	ClientState        string    `json:"clientState"`
	NotificationURL    string    `json:"notificationUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

// DeltaPage is one page of the incremental-sync query: a batch of changed
// messages plus either a next-page link or a terminal resume link
type DeltaPage struct {
	Value     []MessagePreview `json:"value"`
	NextLink  string           `json:"@odata.nextLink,omitempty"`
	DeltaLink string           `json:"@odata.deltaLink,omitempty"`
}

type forwardRequest struct {
	Comment      string      `json:"comment,omitempty"`
	ToRecipients []Recipient `json:"toRecipients"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

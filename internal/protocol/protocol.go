// Package protocol defines the JSON messages exchanged between the editor
// client and the server. Both directions use externally tagged unions: a
// one-key object whose key names the variant, for example
// {"Edit":{"revision":3,"operation":[3,"a"]}} or {"Identity":42}.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/inkpad/inkpad/internal/ot"
)

// SystemUserID tags operations synthesized by the server itself, such as
// the seed operation that restores a document loaded from the store.
const SystemUserID uint64 = math.MaxUint64

// UserInfo is a participant's display identity.
type UserInfo struct {
	Name string `json:"name"`
	Hue  uint32 `json:"hue"`
}

// CursorData is a participant's cursor positions and selections, all as
// codepoint offsets into the current document.
type CursorData struct {
	Cursors    []uint32    `json:"cursors"`
	Selections [][2]uint32 `json:"selections"`
}

// Clone returns a deep copy whose backing arrays are not shared with the
// receiver.
func (d CursorData) Clone() CursorData {
	c := CursorData{}
	if d.Cursors != nil {
		c.Cursors = make([]uint32, len(d.Cursors))
		copy(c.Cursors, d.Cursors)
	}
	if d.Selections != nil {
		c.Selections = make([][2]uint32, len(d.Selections))
		copy(c.Selections, d.Selections)
	}
	return c
}

// EditMsg is a client's operation against a claimed revision.
type EditMsg struct {
	Revision  int              `json:"revision"`
	Operation *ot.OperationSeq `json:"operation"`
}

// ClientMsg is a message from the client. Exactly one field is set.
type ClientMsg struct {
	Edit        *EditMsg
	SetLanguage *string
	ClientInfo  *UserInfo
	CursorData  *CursorData
	SetColor    *uint32
}

// UnmarshalJSON decodes the one-key tagged form, rejecting anything that
// is not exactly one known variant.
func (m *ClientMsg) UnmarshalJSON(data []byte) error {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("decode client message: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("decode client message: expected exactly one variant, got %d", len(tagged))
	}
	*m = ClientMsg{}
	for tag, raw := range tagged {
		if string(raw) == "null" {
			return fmt.Errorf("decode client message: null payload for %q", tag)
		}
		switch tag {
		case "Edit":
			m.Edit = new(EditMsg)
			if err := json.Unmarshal(raw, m.Edit); err != nil {
				return fmt.Errorf("decode Edit: %w", err)
			}
			if m.Edit.Operation == nil {
				return fmt.Errorf("decode Edit: missing operation")
			}
		case "SetLanguage":
			m.SetLanguage = new(string)
			if err := json.Unmarshal(raw, m.SetLanguage); err != nil {
				return fmt.Errorf("decode SetLanguage: %w", err)
			}
		case "ClientInfo":
			m.ClientInfo = new(UserInfo)
			if err := json.Unmarshal(raw, m.ClientInfo); err != nil {
				return fmt.Errorf("decode ClientInfo: %w", err)
			}
		case "CursorData":
			m.CursorData = new(CursorData)
			if err := json.Unmarshal(raw, m.CursorData); err != nil {
				return fmt.Errorf("decode CursorData: %w", err)
			}
		case "SetColor":
			m.SetColor = new(uint32)
			if err := json.Unmarshal(raw, m.SetColor); err != nil {
				return fmt.Errorf("decode SetColor: %w", err)
			}
		default:
			return fmt.Errorf("decode client message: unknown variant %q", tag)
		}
	}
	return nil
}

// MarshalJSON encodes the one-key tagged form. Used by tests and any Go
// client of the wire protocol.
func (m ClientMsg) MarshalJSON() ([]byte, error) {
	switch {
	case m.Edit != nil:
		return json.Marshal(map[string]*EditMsg{"Edit": m.Edit})
	case m.SetLanguage != nil:
		return json.Marshal(map[string]*string{"SetLanguage": m.SetLanguage})
	case m.ClientInfo != nil:
		return json.Marshal(map[string]*UserInfo{"ClientInfo": m.ClientInfo})
	case m.CursorData != nil:
		return json.Marshal(map[string]*CursorData{"CursorData": m.CursorData})
	case m.SetColor != nil:
		return json.Marshal(map[string]uint32{"SetColor": *m.SetColor})
	}
	return nil, fmt.Errorf("encode client message: no variant set")
}

// UserOperation is a committed operation attributed to the user who issued
// it. Email is present only when that user connected authenticated.
type UserOperation struct {
	ID        uint64           `json:"id"`
	Operation *ot.OperationSeq `json:"operation"`
	Email     *string          `json:"email,omitempty"`
}

// ServerMsg is a message to the client. Exactly one pointer field is set;
// use the New*Msg constructors.
type ServerMsg struct {
	identity   *uint64
	authEmail  *authEmail
	history    *HistoryMsg
	language   *string
	userInfo   *userInfoMsg
	userCursor *userCursorMsg
	userColor  *userColorMsg
}

type authEmail struct {
	email *string
}

// HistoryMsg carries committed operations starting at Start, so the
// receiver's next revision is Start+len(Operations).
type HistoryMsg struct {
	Start      int             `json:"start"`
	Operations []UserOperation `json:"operations"`
}

type userInfoMsg struct {
	ID   uint64    `json:"id"`
	Info *UserInfo `json:"info"`
}

type userCursorMsg struct {
	ID   uint64     `json:"id"`
	Data CursorData `json:"data"`
}

type userColorMsg struct {
	Email string `json:"email"`
	Hue   uint32 `json:"hue"`
}

// NewIdentityMsg tells a connecting client its numeric user id.
func NewIdentityMsg(id uint64) ServerMsg {
	return ServerMsg{identity: &id}
}

// NewAuthenticatedEmailMsg reports the email the connection authenticated
// as, or null for anonymous connections.
func NewAuthenticatedEmailMsg(email *string) ServerMsg {
	return ServerMsg{authEmail: &authEmail{email: email}}
}

// NewHistoryMsg carries operations committed at revisions start onward.
func NewHistoryMsg(start int, operations []UserOperation) ServerMsg {
	return ServerMsg{history: &HistoryMsg{Start: start, Operations: operations}}
}

// NewLanguageMsg announces the document's syntax language.
func NewLanguageMsg(language string) ServerMsg {
	return ServerMsg{language: &language}
}

// NewUserInfoMsg announces a participant's info; nil info means the
// participant disconnected.
func NewUserInfoMsg(id uint64, info *UserInfo) ServerMsg {
	return ServerMsg{userInfo: &userInfoMsg{ID: id, Info: info}}
}

// NewUserCursorMsg announces a participant's cursor state.
func NewUserCursorMsg(id uint64, data CursorData) ServerMsg {
	return ServerMsg{userCursor: &userCursorMsg{ID: id, Data: data}}
}

// NewUserColorMsg announces the persistent hue chosen for an email.
func NewUserColorMsg(email string, hue uint32) ServerMsg {
	return ServerMsg{userColor: &userColorMsg{Email: email, Hue: hue}}
}

// Identity returns the assigned user id if this is an Identity message.
func (m ServerMsg) Identity() (uint64, bool) {
	if m.identity == nil {
		return 0, false
	}
	return *m.identity, true
}

// AuthenticatedEmail returns the connection's email (nil for anonymous) if
// this is an AuthenticatedEmail message.
func (m ServerMsg) AuthenticatedEmail() (*string, bool) {
	if m.authEmail == nil {
		return nil, false
	}
	return m.authEmail.email, true
}

// History returns the history payload if this is a History message.
func (m ServerMsg) History() (*HistoryMsg, bool) {
	return m.history, m.history != nil
}

// Language returns the language if this is a Language message.
func (m ServerMsg) Language() (string, bool) {
	if m.language == nil {
		return "", false
	}
	return *m.language, true
}

// UserInfo returns the participant id and info (nil on disconnect) if this
// is a UserInfo message.
func (m ServerMsg) UserInfo() (uint64, *UserInfo, bool) {
	if m.userInfo == nil {
		return 0, nil, false
	}
	return m.userInfo.ID, m.userInfo.Info, true
}

// UserCursor returns the participant id and cursor state if this is a
// UserCursor message.
func (m ServerMsg) UserCursor() (uint64, CursorData, bool) {
	if m.userCursor == nil {
		return 0, CursorData{}, false
	}
	return m.userCursor.ID, m.userCursor.Data, true
}

// UserColor returns the email and hue if this is a UserColor message.
func (m ServerMsg) UserColor() (string, uint32, bool) {
	if m.userColor == nil {
		return "", 0, false
	}
	return m.userColor.Email, m.userColor.Hue, true
}

// MarshalJSON encodes the one-key tagged form.
func (m ServerMsg) MarshalJSON() ([]byte, error) {
	switch {
	case m.identity != nil:
		return json.Marshal(map[string]uint64{"Identity": *m.identity})
	case m.authEmail != nil:
		return json.Marshal(map[string]*string{"AuthenticatedEmail": m.authEmail.email})
	case m.history != nil:
		return json.Marshal(map[string]*HistoryMsg{"History": m.history})
	case m.language != nil:
		return json.Marshal(map[string]string{"Language": *m.language})
	case m.userInfo != nil:
		return json.Marshal(map[string]*userInfoMsg{"UserInfo": m.userInfo})
	case m.userCursor != nil:
		return json.Marshal(map[string]*userCursorMsg{"UserCursor": m.userCursor})
	case m.userColor != nil:
		return json.Marshal(map[string]*userColorMsg{"UserColor": m.userColor})
	}
	return nil, fmt.Errorf("encode server message: no variant set")
}

// UnmarshalJSON decodes the one-key tagged form. Used by tests and any Go
// client of the wire protocol.
func (m *ServerMsg) UnmarshalJSON(data []byte) error {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("decode server message: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("decode server message: expected exactly one variant, got %d", len(tagged))
	}
	*m = ServerMsg{}
	for tag, raw := range tagged {
		switch tag {
		case "Identity":
			m.identity = new(uint64)
			return json.Unmarshal(raw, m.identity)
		case "AuthenticatedEmail":
			m.authEmail = new(authEmail)
			return json.Unmarshal(raw, &m.authEmail.email)
		case "History":
			m.history = new(HistoryMsg)
			return json.Unmarshal(raw, m.history)
		case "Language":
			m.language = new(string)
			return json.Unmarshal(raw, m.language)
		case "UserInfo":
			m.userInfo = new(userInfoMsg)
			return json.Unmarshal(raw, m.userInfo)
		case "UserCursor":
			m.userCursor = new(userCursorMsg)
			return json.Unmarshal(raw, m.userCursor)
		case "UserColor":
			m.userColor = new(userColorMsg)
			return json.Unmarshal(raw, m.userColor)
		default:
			return fmt.Errorf("decode server message: unknown variant %q", tag)
		}
	}
	return nil
}

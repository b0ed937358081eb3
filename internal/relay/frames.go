package relay

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"time"

	"keyvault/go-backend/pkg/models"
)

const jsonRPCVersion = "2.0"

// Relay methods.
const (
	methodSubscribe    = "irn_subscribe"
	methodUnsubscribe  = "irn_unsubscribe"
	methodPublish      = "irn_publish"
	methodSubscription = "irn_subscription"
)

// Peer methods carried inside sealed envelopes.
const (
	methodSessionPropose = "wc_sessionPropose"
	methodSessionSettle  = "wc_sessionSettle"
	methodSessionRequest = "wc_sessionRequest"
	methodSessionDelete  = "wc_sessionDelete"
	methodSessionPing    = "wc_sessionPing"
	methodSessionEvent   = "wc_sessionEvent"
	methodSessionExtend  = "wc_sessionExtend"
	methodSessionUpdate  = "wc_sessionUpdate"
)

// Publish tags and TTLs per message type.
const (
	tagProposeResponse = 1101
	tagProposeReject   = 1120
	tagSettleRequest   = 1102
	tagRequestResponse = 1109
	tagDeleteRequest   = 1112
	tagPingResponse    = 1115
	tagGenericResponse = 1111

	ttlFiveMinutes = 300
	ttlOneDay      = 86400
	sessionExpiry  = 7 * 24 * time.Hour
)

type frame struct {
	ID      uint64           `json:"id"`
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *models.RPCError `json:"error,omitempty"`
}

func (f frame) isRequest() bool { return f.Method != "" }

type subscribeParams struct {
	Topic string `json:"topic"`
}

type unsubscribeParams struct {
	Topic string `json:"topic"`
	ID    string `json:"id"`
}

type publishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int    `json:"ttl"`
	Tag     int    `json:"tag"`
	Prompt  bool   `json:"prompt"`
}

type subscriptionParams struct {
	ID   string `json:"id"`
	Data struct {
		Topic       string `json:"topic"`
		Message     string `json:"message"`
		PublishedAt int64  `json:"publishedAt"`
		Tag         int    `json:"tag"`
	} `json:"data"`
}

type relayProtocol struct {
	Protocol string `json:"protocol"`
}

type participant struct {
	PublicKey string              `json:"publicKey"`
	Metadata  models.PeerMetadata `json:"metadata"`
}

type proposeParams struct {
	Relays             []relayProtocol   `json:"relays"`
	Proposer           participant       `json:"proposer"`
	RequiredNamespaces models.Namespaces `json:"requiredNamespaces"`
	OptionalNamespaces models.Namespaces `json:"optionalNamespaces,omitempty"`
}

type proposeResult struct {
	Relay              relayProtocol `json:"relay"`
	ResponderPublicKey string        `json:"responderPublicKey"`
}

type settleParams struct {
	Relay      relayProtocol     `json:"relay"`
	Namespaces models.Namespaces `json:"namespaces"`
	Controller participant       `json:"controller"`
	Expiry     int64             `json:"expiry"`
}

type sessionRequestParams struct {
	Request struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	} `json:"request"`
	ChainID string `json:"chainId"`
}

type deleteParams struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// payloadID returns a millisecond timestamp with three random trailing
// digits, the id scheme peers use for their own requests.
func payloadID() uint64 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return uint64(time.Now().UnixMilli())*1000 + uint64(binary.BigEndian.Uint16(b[:])%1000)
}

var trueResult = json.RawMessage("true")

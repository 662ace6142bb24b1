package constants

import nostr "github.com/nbd-wtf/go-nostr"

// KindClientAuthentication is the NIP-42 AUTH event kind (22242).
const KindClientAuthentication = nostr.KindClientAuthentication

// NIP-29 group kinds
const (
	KindGroupChatMessage  = 9
	KindGroupThreadReply  = 10
	KindGroupThread       = 11
	KindGroupReply        = 12
	KindGroupPutUser      = 9000
	KindGroupRemoveUser   = 9001
	KindGroupEditMetadata = 9002
	KindGroupAddPerm      = 9003
	KindGroupRemovePerm   = 9004
	KindGroupDeleteEvent  = 9005
	KindGroupEditStatus   = 9006
	KindGroupCreate       = 9007
	KindGroupDelete       = 9008
	KindGroupCreateInvite = 9009
	KindGroupJoinRequest  = 9021
	KindGroupLeaveRequest = 9022
)

// DefaultGroupNotificationKinds is used when no router kinds are configured.
var DefaultGroupNotificationKinds = []int{
	KindGroupChatMessage,
	KindGroupThreadReply,
	KindGroupThread,
	KindGroupReply,
	KindGroupPutUser,
	KindGroupRemoveUser,
	KindGroupEditMetadata,
	KindGroupAddPerm,
	KindGroupRemovePerm,
	KindGroupDeleteEvent,
	KindGroupEditStatus,
	KindGroupCreate,
	KindGroupDelete,
	KindGroupCreateInvite,
	KindGroupJoinRequest,
	KindGroupLeaveRequest,
}

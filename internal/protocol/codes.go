package protocol

import "fmt"

// LoginRequestCode selects what a LoginMsg asks for.
type LoginRequestCode int32

const (
	LoginLogin         LoginRequestCode = 0
	LoginCreate        LoginRequestCode = 1
	LoginCheckUsername LoginRequestCode = 2
)

func (c LoginRequestCode) String() string {
	switch c {
	case LoginLogin:
		return "LOGIN"
	case LoginCreate:
		return "CREATE"
	case LoginCheckUsername:
		return "CHECK_USERNAME"
	}
	return fmt.Sprintf("LoginRequestCode(%d)", int32(c))
}

// AccessCode is the result carried by LoginResponseMsg.
type AccessCode int32

const (
	AccessOK                   AccessCode = 0
	AccessBadPassword          AccessCode = 1
	AccessNameUnavailable      AccessCode = 2
	AccessCallLater            AccessCode = 3
	AccessServerFault          AccessCode = 4
	AccessProtocolIncompatible AccessCode = 5
)

func (c AccessCode) String() string {
	switch c {
	case AccessOK:
		return "OK"
	case AccessBadPassword:
		return "BAD_PASSWORD"
	case AccessNameUnavailable:
		return "NAME_UNAVAILABLE"
	case AccessCallLater:
		return "CALL_LATER"
	case AccessServerFault:
		return "SERVER_FAULT"
	case AccessProtocolIncompatible:
		return "PROTOCOL_INCOMPATIBLE"
	}
	return fmt.Sprintf("AccessCode(%d)", int32(c))
}

// Priority ranks a ShowMsg.
type Priority int32

const (
	PriorityInfo  Priority = 0
	PriorityWarn  Priority = 1
	PriorityError Priority = 2
	PriorityDebug Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityInfo:
		return "INFO"
	case PriorityWarn:
		return "WARN"
	case PriorityError:
		return "ERROR"
	case PriorityDebug:
		return "DEBUG"
	}
	return fmt.Sprintf("Priority(%d)", int32(p))
}

// Privacy is the visibility level of a mission.
type Privacy int32

const (
	PrivacyDefault  Privacy = 0
	PrivacyPrivate  Privacy = 1
	PrivacyPublic   Privacy = 2
	PrivacyShared   Privacy = 3
	PrivacyResearch Privacy = 4
)

func (p Privacy) String() string {
	switch p {
	case PrivacyDefault:
		return "DEFAULT"
	case PrivacyPrivate:
		return "PRIVATE"
	case PrivacyPublic:
		return "PUBLIC"
	case PrivacyShared:
		return "SHARED"
	case PrivacyResearch:
		return "RESEARCH"
	}
	return fmt.Sprintf("Privacy(%d)", int32(p))
}

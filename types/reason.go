// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

// ReasonCode is an MQTT 5 reason code. For SUBACK the codes 0x00..0x02 grant
// the corresponding QoS, everything >= 0x80 is a failure.
type ReasonCode byte

const (
	ReasonSuccess     ReasonCode = 0x00
	ReasonGrantedQoS0 ReasonCode = 0x00
	ReasonGrantedQoS1 ReasonCode = 0x01
	ReasonGrantedQoS2 ReasonCode = 0x02

	ReasonNoSubscriptionExisted ReasonCode = 0x11

	ReasonUnspecifiedError            ReasonCode = 0x80
	ReasonNotAuthorized               ReasonCode = 0x87
	ReasonTopicFilterInvalid          ReasonCode = 0x8F
	ReasonPacketIdentifierInUse       ReasonCode = 0x91
	ReasonQuotaExceeded               ReasonCode = 0x97
	ReasonSharedSubsNotSupported      ReasonCode = 0x9E
	ReasonWildcardSubsNotSupported    ReasonCode = 0xA2
	ReasonSubscriptionIDsNotSupported ReasonCode = 0xA1
)

// Failure reports whether the code signals an error.
func (r ReasonCode) Failure() bool {
	return r >= 0x80
}

// GrantedQoS returns the reason code granting the given QoS.
func GrantedQoS(qos byte) ReasonCode {
	switch qos {
	case 2:
		return ReasonGrantedQoS2
	case 1:
		return ReasonGrantedQoS1
	default:
		return ReasonGrantedQoS0
	}
}

func (r ReasonCode) String() string {
	switch r {
	case ReasonGrantedQoS0:
		return "granted QoS 0"
	case ReasonGrantedQoS1:
		return "granted QoS 1"
	case ReasonGrantedQoS2:
		return "granted QoS 2"
	case ReasonNoSubscriptionExisted:
		return "no subscription existed"
	case ReasonUnspecifiedError:
		return "unspecified error"
	case ReasonNotAuthorized:
		return "not authorized"
	case ReasonTopicFilterInvalid:
		return "topic filter invalid"
	case ReasonPacketIdentifierInUse:
		return "packet identifier in use"
	case ReasonQuotaExceeded:
		return "quota exceeded"
	case ReasonSharedSubsNotSupported:
		return "shared subscriptions not supported"
	case ReasonWildcardSubsNotSupported:
		return "wildcard subscriptions not supported"
	case ReasonSubscriptionIDsNotSupported:
		return "subscription identifiers not supported"
	default:
		return "unknown"
	}
}

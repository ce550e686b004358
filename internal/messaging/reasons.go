package messaging

import "strconv"

// Twilio error codes seen on WhatsApp sends and status callbacks.
var errorReasons = map[int]string{
	21211: "invalid phone number",
	21408: "region not enabled for messaging",
	21610: "recipient unsubscribed",
	21614: "number is not a mobile number",
	30003: "unreachable destination handset",
	30004: "message blocked",
	30005: "unknown destination handset",
	30006: "landline or unreachable carrier",
	30007: "message filtered by carrier",
	30008: "unknown delivery error",
	63003: "recipient is not a WhatsApp user",
	63016: "outside the WhatsApp session window, template required",
	63024: "invalid message recipient",
	63032: "recipient blocked the business",
}

// FailureReason maps a provider error code to a readable reason.
func FailureReason(code string) (string, bool) {
	n, err := strconv.Atoi(code)
	if err != nil {
		return "", false
	}
	reason, ok := errorReasons[n]
	return reason, ok
}

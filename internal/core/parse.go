package core

import "strings"

// kindTokens is searched in order, so a token must appear before any
// shorter token it contains.
var kindTokens = []struct {
	token string
	kind  Kind
}{
	{"CMD_SLAVE_CONTINUE", KindSlaveContinue},
	{"CMD_SLAVE_START_A", KindSlaveStartA},
	{"CMD_SLAVE_START_B", KindSlaveStartB},
	{"CMD_SLAVE_STATUS", KindSlaveStatus},
	{"CMD_SLAVE_PAUSE", KindSlavePause},
	{"CMD_SLAVE_RESET", KindSlaveReset},
	{"CMD_SLAVE_FAIL", KindSlaveFail},
	{"CMD_SLAVE_OK", KindSlaveOK},
	{"CMD_DUMMY", KindDummy},
	{"CMD_WIFI", KindWiFi},
	{"CMD_ECHO", KindEcho},
	{"CMD_BLE", KindBLE},
}

// ParseKind finds the first known command token contained in s.
// Strings without a token map to KindInvalid.
func ParseKind(s string) Kind {
	for _, t := range kindTokens {
		if strings.Contains(s, t.token) {
			return t.kind
		}
	}
	return KindInvalid
}

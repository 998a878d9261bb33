/*
 * This file is part of the isolink distribution (https://github.com/mlipscombe/isolink).
 * Copyright (c) 2021-2023 Mark Lipscombe.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, version 3.
 *
 * This program is distributed in the hope that it will be useful, but
 * WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program. If not, see <http://www.gnu.org/licenses/>.
 */

package iso8583

import (
	"fmt"
	"strconv"
	"time"
)

// Network management codes carried in DE70.
const (
	NetMgmtSignOn  = "001"
	NetMgmtSignOff = "002"
	NetMgmtEcho    = "301"
)

const ResponseApproved = "00"

// NewEchoRequest builds an 0800 echo test with the given STAN.
func NewEchoRequest(stan int) *Message {
	m := New("0800")
	m.Fields[FieldTransmission] = time.Now().UTC().Format("0102150405") // MMDDhhmmss
	m.Fields[FieldSTAN] = FormatSTAN(stan)
	m.Fields[FieldNetworkMgmt] = NetMgmtEcho
	return m
}

func IsEchoResponse(m *Message) bool {
	if m.MTI != "0810" {
		return false
	}
	if v, ok := m.Get(FieldNetworkMgmt); !ok || v != NetMgmtEcho {
		return false
	}
	_, ok := m.Get(FieldSTAN)
	return ok
}

// FormatSTAN renders n as a 6 digit trace number in 1..999999. Values past
// 999999 wrap to 000001, so 000000 is never produced.
func FormatSTAN(n int) string {
	const span = 999999
	return fmt.Sprintf("%06d", ((n-1)%span+span)%span+1)
}

// ParseSTAN parses DE11.
func ParseSTAN(m *Message) (int, error) {
	v, ok := m.Get(FieldSTAN)
	if !ok {
		return 0, protocolError(FieldSTAN, nil, "missing STAN")
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, protocolError(FieldSTAN, err, "bad STAN %q", v)
	}
	return n, nil
}

// ResponseMTI maps a request MTI to its response class (0200 -> 0210).
func ResponseMTI(mti string) (string, error) {
	if len(mti) != mtiSize || !isDigits(mti) {
		return "", protocolError(0, ErrInvalidMTI, "MTI %q must be 4 digits", mti)
	}
	if (mti[2]-'0')%2 == 1 {
		return "", protocolError(0, ErrInvalidMTI, "MTI %s is already a response", mti)
	}
	return mti[:2] + string(mti[2]+1) + mti[3:], nil
}

// echoedFields are copied from a request into its response.
var echoedFields = []int{
	FieldPAN, FieldProcessingCode, FieldAmount, FieldTransmission, FieldSTAN,
	FieldLocalTime, FieldLocalDate, FieldRRN, FieldTerminalID, FieldMerchantID,
	FieldCurrency, FieldNetworkMgmt,
}

// NewResponse builds the response skeleton for req, echoing its identifying fields.
func NewResponse(req *Message) (*Message, error) {
	mti, err := ResponseMTI(req.MTI)
	if err != nil {
		return nil, err
	}
	resp := New(mti)
	resp.dict = req.dict
	for _, f := range echoedFields {
		if v, ok := req.Fields[f]; ok {
			resp.Fields[f] = v
		}
	}
	return resp, nil
}

package main

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Postfix action directives. A response is always a single directive line;
// see http://www.postfix.org/SMTPD_POLICY_README.html for the set Postfix
// understands.
const (
	ActionDunno = "DUNNO"
	ActionOK    = "OK"
)

// Reject renders a REJECT directive with a message.
func Reject(msg string) string {
	return "REJECT " + msg
}

// DeferIfPermit renders a DEFER_IF_PERMIT directive with a message.
func DeferIfPermit(msg string) string {
	return "DEFER_IF_PERMIT " + msg
}

// Prepend renders a PREPEND directive carrying a header line.
func Prepend(header string) string {
	return "PREPEND " + header
}

// spfActionKind tags one entry of the SPF action table.
type spfActionKind int

const (
	spfActionDunno spfActionKind = iota
	spfActionOK
	spfActionPrepend
	spfActionReject
	spfActionDefer
	spfActionGreylist
	spfActionLiteral
)

type spfAction struct {
	kind spfActionKind
	text string // literal directive, may contain {reason}
}

// SPFActionTable maps SPF results onto Postfix actions. Unknown results
// collapse to the temperror entry, so lookups are total.
type SPFActionTable map[string]spfAction

func defaultSPFActionConfig() map[string]string {
	return map[string]string{
		"passing":      "prepend",
		"fail":         "550 5.7.1 SPF check failed: {reason}",
		"temperror":    "451 4.4.3 SPF record(s) temporarily unavailable: {reason}",
		"permerror":    "550 5.5.2 SPF record(s) are malformed: {reason}",
		"none_neutral": "greylist",
		"softfail":     "greylist",
	}
}

// mangleSPFResult maps raw SPF results onto config key names. "pass" is a
// reserved word in the original config dialect, and none/neutral share an
// entry.
func mangleSPFResult(result string) string {
	switch result {
	case "pass":
		return "passing"
	case "none", "neutral":
		return "none_neutral"
	default:
		return result
	}
}

// BuildSPFActionTable validates the [PostfixSPFActions] config entries.
// Each value is either a symbolic built-in (prepend, okay, ok, dunno,
// reject, defer_if_permit, greylist) or a literal Postfix directive whose
// first token is numeric or an upper-case keyword; literals may reference
// {reason}.
func BuildSPFActionTable(entries map[string]string) (SPFActionTable, error) {
	table := make(SPFActionTable, len(entries))
	for key, value := range entries {
		act, err := parseSPFAction(value)
		if err != nil {
			return nil, fmt.Errorf("action for %q: %w", key, err)
		}
		table[key] = act
	}
	if _, ok := table["temperror"]; !ok {
		act, _ := parseSPFAction(defaultSPFActionConfig()["temperror"])
		table["temperror"] = act
	}
	return table, nil
}

func parseSPFAction(value string) (spfAction, error) {
	value = strings.TrimSpace(value)
	token, _, _ := strings.Cut(value, " ")
	switch token {
	case "prepend":
		return spfAction{kind: spfActionPrepend}, nil
	case "okay", "ok":
		return spfAction{kind: spfActionOK}, nil
	case "dunno":
		return spfAction{kind: spfActionDunno}, nil
	case "reject":
		return spfAction{kind: spfActionReject}, nil
	case "defer_if_permit":
		return spfAction{kind: spfActionDefer}, nil
	case "greylist":
		return spfAction{kind: spfActionGreylist}, nil
	}
	if _, err := strconv.Atoi(token); err == nil {
		return spfAction{kind: spfActionLiteral, text: value}, nil
	}
	if token != "" && !strings.ContainsFunc(token, func(r rune) bool {
		return !unicode.IsUpper(r) && r != '_'
	}) {
		return spfAction{kind: spfActionLiteral, text: value}, nil
	}
	return spfAction{}, fmt.Errorf("unrecognized action %q", value)
}

// Resolve turns an SPF result into a Postfix action. The boolean is true
// when the configured action is the symbolic greylist, in which case the
// caller delegates to the greylisting policy. reason is the evaluator's
// explanation and header the Received-SPF line used by prepend.
func (t SPFActionTable) Resolve(result, reason, header string) (string, bool) {
	act, ok := t[mangleSPFResult(result)]
	if !ok {
		act = t["temperror"]
	}
	switch act.kind {
	case spfActionDunno:
		return ActionDunno, false
	case spfActionOK:
		return ActionOK, false
	case spfActionPrepend:
		return Prepend(header), false
	case spfActionReject:
		return Reject(reason), false
	case spfActionDefer:
		return DeferIfPermit(reason), false
	case spfActionGreylist:
		return "", true
	default:
		return strings.ReplaceAll(act.text, "{reason}", reason), false
	}
}

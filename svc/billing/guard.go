package billing

// Admit decides whether a signal may be applied on top of the trainer's
// last-applied marks. It is the temporal half of the safety story; the other
// half is the store's conditional merge re-checking the same predicate
// atomically at write time.
//
// Rules:
//   - signals are ordered only against their own source's mark; the card and
//     app-store channels are independent purchase channels and must not block
//     each other,
//   - an equal-or-older occurredAt counts as already applied, which also
//     makes a redelivery with the same sequence hint a no-op on a timestamp
//     tie.
func Admit(marks map[SignalSource]SignalMark, sig Signal) bool {
	mark, seen := marks[sig.Source]
	if !seen {
		return true
	}
	if sig.SequenceHint != "" && sig.SequenceHint == mark.SequenceHint {
		return false
	}
	return sig.OccurredAt.After(mark.At)
}

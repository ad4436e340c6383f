/*
Package topic implements dot-delimited topic names and wildcard
pattern matching.

Topics are sequences of non-empty segments joined by dots, for example
"devices.wh-1.shadow.reported". Patterns are topics that may contain
two wildcards:

	*   matches exactly one segment
	#   matches zero or more segments, final position only

So "devices.*.shadow.reported" matches reported-state topics for
single-segment device IDs, and "devices.#" matches every device topic
including the bare "devices".

# Matching

A pattern without wildcards matches by plain string equality, no regex
involved. Wildcard patterns compile once (sync.Once on the Pattern,
plus a process-lifetime cache for the package-level Match) into an
anchored regular expression built segment by segment, so regex
metacharacters inside literal segments match themselves.

Validation rejects "#" anywhere but the final segment and wildcards
glued to other characters within a segment ("dev*" is invalid).

# Topic Convention

The names file pins the fleet convention used across Umbra:

	devices.<id>.shadow.reported   device publishes observed state
	devices.<id>.shadow.desired    operator publishes target state
	devices.<id>.shadow.update     engine publishes deltas

DeviceID extracts <id> back out of a concrete topic and tolerates
dotted device IDs by joining the middle segments.
*/
package topic

// Package timeline holds the data the conductor resolves: timeline objects,
// their device-specific content, layer mappings and resolved state.
//
// Content is a closed set of tagged variants keyed by device type and
// content type. Each integration type-switches over the variants it owns;
// JSON and YAML documents carry the tag as "deviceType" + "type":
//
//	{"id": "cam1", "layer": "pgm", "enable": {"start": 1000},
//	 "content": {"deviceType": "mqtt", "type": "publish",
//	             "topic": "studio/pgm", "payload": {"input": 1}}}
//
// Resolving the timeline is delegated to a Resolver. AbsoluteResolver is the
// reference implementation for objects enabled at absolute times.
package timeline

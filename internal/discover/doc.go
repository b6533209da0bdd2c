// Package discover enumerates candidate documents per municipality from
// three source families: council information systems (RIS), official
// gazettes (Amtsblatt) and the municipal website itself. Adapters degrade
// gracefully: any failure yields an empty candidate list plus diagnostics,
// never an aborted municipality.
package discover

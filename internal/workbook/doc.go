// Package workbook defines the data model for remote spreadsheet edits:
// document handles, sessions, typed operations, batches, and results.
//
// Operations form a closed tagged variant. A batch is an ordered sequence of
// operations; ordering matters because later operations may address ranges
// affected by earlier ones. Validation happens at construction time, before
// any remote call is made.
package workbook

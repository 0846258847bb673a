// Package xerrors adds call-site information to errors without changing their text.
//
// New, Newf, WithStack and EnsureTrace capture a full stack. Wrap and Wrapf record
// only the single frame that wrapped. The log package reads both when rendering
// error records. Everything here unwraps, so errors.Is and errors.As keep working.
package xerrors

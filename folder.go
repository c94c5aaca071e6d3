package imapclient

import (
	"fmt"
)

// FolderStats represents statistics for a folder
type FolderStats struct {
	Name   string
	Count  int
	MaxUID int
	Error  error
}

// listMailboxName extracts the mailbox name from a parsed LIST line:
//
//	* LIST (<attributes>) "<delimiter>" <name>
//
// The name may arrive as a quoted string, a bare atom or a literal,
// depending on the server.
func listMailboxName(tks []*Token) (string, bool) {
	if len(tks) < 5 ||
		tks[0].Type != TLiteral || tks[0].Str != "*" ||
		tks[1].Type != TLiteral || tks[1].Str != "LIST" ||
		tks[2].Type != TContainer {
		return "", false
	}
	name := tks[len(tks)-1]
	switch name.Type {
	case TQuoted, TLiteral, TAtom:
		return name.Str, true
	}
	return "", false
}

// GetFolders retrieves the list of available folders
func (d *Dialer) GetFolders() (folders []string, err error) {
	folders = make([]string, 0)
	_, err = d.Exec(`LIST "" "*"`, false, RetryCount, func(line Line) error {
		tks, err := ParseTokens(line.TokenSource())
		if err != nil {
			return fmt.Errorf("imapclient list parse: %w", err)
		}
		if name, ok := listMailboxName(tks); ok {
			folders = append(folders, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return folders, nil
}

// existsCount pulls the message count from an untagged "* <n> EXISTS"
// line, if the response contains one.
func existsCount(resp *Response) (int, bool) {
	if resp == nil {
		return 0, false
	}
	for _, line := range resp.Lines {
		tks, err := ParseTokens(line.TokenSource())
		if err != nil {
			continue
		}
		if len(tks) == 3 &&
			tks[0].Type == TLiteral && tks[0].Str == "*" &&
			tks[1].Type == TNumber &&
			tks[2].Type == TLiteral && tks[2].Str == "EXISTS" {
			return tks[1].Num, true
		}
	}
	return 0, false
}

// ExamineFolder selects a folder in read-only mode
func (d *Dialer) ExamineFolder(folder string) (err error) {
	_, err = d.Exec(`EXAMINE "`+AddSlashes.Replace(folder)+`"`, true, RetryCount, nil)
	if err != nil {
		return err
	}
	d.Folder = folder
	d.ReadOnly = true
	return nil
}

// SelectFolder selects a folder in read-write mode
func (d *Dialer) SelectFolder(folder string) (err error) {
	_, err = d.Exec(`SELECT "`+AddSlashes.Replace(folder)+`"`, true, RetryCount, nil)
	if err != nil {
		return err
	}
	d.Folder = folder
	d.ReadOnly = false
	return nil
}

// GetTotalEmailCount returns the total email count across all folders
func (d *Dialer) GetTotalEmailCount() (count int, err error) {
	return d.GetTotalEmailCountStartingFromExcluding("", nil)
}

// GetTotalEmailCountExcluding returns total email count excluding specified folders
func (d *Dialer) GetTotalEmailCountExcluding(excludedFolders []string) (count int, err error) {
	return d.GetTotalEmailCountStartingFromExcluding("", excludedFolders)
}

// GetTotalEmailCountStartingFromExcluding returns total email count with
// options for starting folder and exclusions
func (d *Dialer) GetTotalEmailCountStartingFromExcluding(startFolder string, excludedFolders []string) (count int, err error) {
	folders, err := d.GetFolders()
	if err != nil {
		return 0, err
	}

	startFound := startFolder == ""
	excludeMap := make(map[string]bool)
	for _, folder := range excludedFolders {
		excludeMap[folder] = true
	}

	currentFolder := d.Folder
	currentReadOnly := d.ReadOnly

	for _, folder := range folders {
		if !startFound {
			if folder == startFolder {
				startFound = true
			} else {
				continue
			}
		}
		if excludeMap[folder] {
			continue
		}

		r, err := d.Exec(`EXAMINE "`+AddSlashes.Replace(folder)+`"`, true, RetryCount, nil)
		if err != nil {
			continue
		}
		if n, ok := existsCount(r); ok {
			count += n
		}
	}

	// Restore original folder state
	if currentFolder != "" {
		if currentReadOnly {
			_ = d.ExamineFolder(currentFolder)
		} else {
			_ = d.SelectFolder(currentFolder)
		}
	}

	return count, nil
}

// GetFolderStats returns statistics for all folders
func (d *Dialer) GetFolderStats() ([]FolderStats, error) {
	return d.GetFolderStatsStartingFromExcluding("", nil)
}

// GetFolderStatsStartingFromExcluding returns per-folder statistics with
// options for starting folder and exclusions. Folder-level failures are
// reported in the stat's Error field rather than aborting the walk.
func (d *Dialer) GetFolderStatsStartingFromExcluding(startFolder string, excludedFolders []string) ([]FolderStats, error) {
	folders, err := d.GetFolders()
	if err != nil {
		return nil, err
	}

	startFound := startFolder == ""
	excludeMap := make(map[string]bool)
	for _, folder := range excludedFolders {
		excludeMap[folder] = true
	}

	currentFolder := d.Folder
	currentReadOnly := d.ReadOnly

	var stats []FolderStats

	for _, folder := range folders {
		if !startFound {
			if folder == startFolder {
				startFound = true
			} else {
				continue
			}
		}
		if excludeMap[folder] {
			continue
		}

		stat := FolderStats{Name: folder}

		r, err := d.Exec(`EXAMINE "`+AddSlashes.Replace(folder)+`"`, true, RetryCount, nil)
		if err != nil {
			stat.Error = err
			stats = append(stats, stat)
			continue
		}
		d.Folder = folder
		d.ReadOnly = true
		if n, ok := existsCount(r); ok {
			stat.Count = n
		}

		if stat.Count > 0 {
			uids, err := d.GetUIDs("ALL")
			if err == nil && len(uids) > 0 {
				stat.MaxUID = uids[len(uids)-1]
			}
		}

		stats = append(stats, stat)
	}

	// Restore original folder state
	if currentFolder != "" {
		if currentReadOnly {
			_ = d.ExamineFolder(currentFolder)
		} else {
			_ = d.SelectFolder(currentFolder)
		}
	}

	return stats, nil
}

package directory

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// Directory exposes the read-only membership lookups the ledger needs:
// event ownership for revenue routing and active members/participations
// for recurring billing. All writes to these records belong to the
// membership application.
type Directory interface {
	Event(eventID int64) (*Event, error)
	Organizations() ([]int64, error)
	ActiveMembers(organizationID int64) ([]Member, error)
	NucleusParticipations(userID int64) ([]Nucleus, error)
}

type Event struct {
	ID             int64
	OrganizationID int64
	NucleusID      *int64
	Name           string
}

type Member struct {
	UserID int64
	Email  string
}

type Nucleus struct {
	ID             int64
	OrganizationID int64
	Name           string
	// MonthlyFee is nil when the nucleus has no configured fee and the
	// global default applies.
	MonthlyFee *decimal.Decimal
}

type SQLDirectory struct {
	db *sql.DB
}

func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

func (d *SQLDirectory) Event(eventID int64) (*Event, error) {
	ev := &Event{}
	err := d.db.QueryRow(`
		SELECT id, organization_id, nucleus_id, name
		FROM events
		WHERE id = $1`, eventID).Scan(&ev.ID, &ev.OrganizationID, &ev.NucleusID, &ev.Name)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("event %d not found", eventID)
		}
		return nil, err
	}
	return ev, nil
}

func (d *SQLDirectory) Organizations() ([]int64, error) {
	rows, err := d.db.Query(`SELECT id FROM organizations WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *SQLDirectory) ActiveMembers(organizationID int64) ([]Member, error) {
	rows, err := d.db.Query(`
		SELECT u.id, u.email
		FROM users u
		INNER JOIN memberships m ON m.user_id = u.id
		WHERE m.organization_id = $1 AND m.active AND u.active
		ORDER BY u.id`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []Member{}
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Email); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (d *SQLDirectory) NucleusParticipations(userID int64) ([]Nucleus, error) {
	rows, err := d.db.Query(`
		SELECT n.id, n.organization_id, n.name, n.monthly_fee::text
		FROM nuclei n
		INNER JOIN nucleus_participants p ON p.nucleus_id = n.id
		WHERE p.user_id = $1 AND p.active
		ORDER BY n.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nuclei := []Nucleus{}
	for rows.Next() {
		var n Nucleus
		var fee sql.NullString
		if err := rows.Scan(&n.ID, &n.OrganizationID, &n.Name, &fee); err != nil {
			return nil, err
		}
		if fee.Valid {
			d, err := decimal.NewFromString(fee.String)
			if err != nil {
				return nil, fmt.Errorf("nucleus %d: bad monthly fee: %w", n.ID, err)
			}
			n.MonthlyFee = &d
		}
		nuclei = append(nuclei, n)
	}
	return nuclei, rows.Err()
}

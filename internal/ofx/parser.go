// Package ofx reads OFX/QFX bank exports into transactions.
package ofx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aclindsa/ofxgo"
	"github.com/shopspring/decimal"

	"github.com/Veraticus/saffron/internal/model"
)

var (
	severityRegex = regexp.MustCompile(`(?i)<SEVERITY>(Info|Warn|Error)</SEVERITY>`)
	tagFixRegex   = regexp.MustCompile(`(?m)^(\s*<[A-Z][A-Z0-9._]*[A-Z0-9])$`)
)

// Statement is one account's transactions from a file.
type Statement struct {
	AccountID    string
	Currency     string
	Transactions []model.Transaction
}

// Parser implements OFX/QFX file parsing.
type Parser struct {
	defaultCurrency string
}

// NewParser creates a new OFX parser.
func NewParser() *Parser {
	return &Parser{defaultCurrency: model.DefaultCurrency}
}

// preprocessOFX fixes common formatting issues in OFX files.
func (p *Parser) preprocessOFX(content string) string {
	content = strings.TrimLeft(content, " \t\r\n")

	// SEVERITY must be upper case.
	content = severityRegex.ReplaceAllStringFunc(content, strings.ToUpper)

	// Some SGML exports drop the closing bracket of a bare opening tag.
	return tagFixRegex.ReplaceAllString(content, "$1>")
}

// Parse reads every bank and credit card statement in the file.
func (p *Parser) Parse(ctx context.Context, reader io.Reader) ([]Statement, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read OFX file: %w", err)
	}

	resp, err := ofxgo.ParseResponse(strings.NewReader(p.preprocessOFX(string(content))))
	if err != nil {
		return nil, fmt.Errorf("failed to parse OFX file: %w", err)
	}

	var statements []Statement
	for _, msg := range resp.Bank {
		if stmt, ok := msg.(*ofxgo.StatementResponse); ok {
			statements = append(statements, p.convert(string(stmt.BankAcctFrom.AcctID), stmt.CurDef, stmt.BankTranList))
		}
	}
	for _, msg := range resp.CreditCard {
		if stmt, ok := msg.(*ofxgo.CCStatementResponse); ok {
			statements = append(statements, p.convert(string(stmt.CCAcctFrom.AcctID), stmt.CurDef, stmt.BankTranList))
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return statements, nil
}

// ParseFile parses an OFX/QFX file and returns all of its transactions.
func (p *Parser) ParseFile(ctx context.Context, reader io.Reader) ([]model.Transaction, error) {
	statements, err := p.Parse(ctx, reader)
	if err != nil {
		return nil, err
	}

	var transactions []model.Transaction
	for _, stmt := range statements {
		transactions = append(transactions, stmt.Transactions...)
	}

	slog.Info("Parsed OFX file",
		"total_transactions", len(transactions),
		"statements", len(statements))

	return transactions, nil
}

func (p *Parser) convert(accountID string, curDef ofxgo.CurrSymbol, list *ofxgo.TransactionList) Statement {
	stmt := Statement{AccountID: accountID, Currency: p.currency(curDef)}
	if list == nil {
		return stmt
	}

	for _, ofxTx := range list.Transactions {
		tx, err := p.convertTransaction(ofxTx, stmt)
		if err != nil {
			slog.Warn("Skipping OFX transaction", "fitid", ofxTx.FiTID, "error", err)
			continue
		}
		stmt.Transactions = append(stmt.Transactions, tx)
	}
	return stmt
}

func (p *Parser) currency(curDef ofxgo.CurrSymbol) string {
	code := curDef.String()
	if code == "" || code == "XXX" {
		return p.defaultCurrency
	}
	return code
}

// convertTransaction keeps OFX signs: debits are negative.
func (p *Parser) convertTransaction(ofxTx ofxgo.Transaction, stmt Statement) (model.Transaction, error) {
	amount, err := decimal.NewFromString(ofxTx.TrnAmt.Rat.FloatString(4))
	if err != nil {
		return model.Transaction{}, fmt.Errorf("invalid amount: %w", err)
	}

	tx := model.Transaction{
		Date:        ofxTx.DtPosted.Time.UTC(),
		Description: description(ofxTx),
		Amount:      amount,
		Currency:    stmt.Currency,
		ExternalID:  string(ofxTx.FiTID),
		AccountName: stmt.AccountID,
		Notes:       strings.TrimSpace(string(ofxTx.Memo)),
	}
	if tx.Description == "" {
		return model.Transaction{}, fmt.Errorf("transaction has no description")
	}
	tx.ID = tx.GenerateID()

	return tx, nil
}

// description prefers PAYEE, then NAME, then MEMO for generic names.
func description(tx ofxgo.Transaction) string {
	if tx.Payee != nil && tx.Payee.Name != "" {
		return strings.TrimSpace(string(tx.Payee.Name))
	}

	name := strings.TrimSpace(string(tx.Name))
	if tx.Memo != "" && isGenericDescription(name) {
		name = strings.TrimSpace(string(tx.Memo))
	}
	return name
}

// isGenericDescription checks if a transaction name is too generic.
func isGenericDescription(name string) bool {
	switch strings.ToUpper(name) {
	case "", "DEBIT", "CREDIT", "PURCHASE", "PAYMENT", "POS TRANSACTION", "CARD PURCHASE":
		return true
	}
	return false
}

// Package wechat implements the callback contract of the WeChat Official
// Account platform: query-string signature verification and the XML
// message envelopes exchanged on the callback URL.
//
// # Signature
//
// Every callback carries signature, timestamp and nonce query parameters.
// The signature is the lowercase hex SHA-1 of the shared token, timestamp and
// nonce sorted by value and concatenated:
//
//	sig := wechat.Sign(token, "1700000000", "42")
//	ok := wechat.VerifySignature(token, "1700000000", "42", sig)
//
// # Envelopes
//
// Inbound messages are decoded with ParseInbound. Replies are built with
// NewTextReply, which swaps ToUserName and FromUserName, and encoded with
// CDATA-wrapped text fields and a FuncFlag of 0:
//
//	<xml>
//	  <ToUserName><![CDATA[user]]></ToUserName>
//	  <FromUserName><![CDATA[account]]></FromUserName>
//	  <CreateTime>1700000000</CreateTime>
//	  <MsgType><![CDATA[text]]></MsgType>
//	  <Content><![CDATA[hello]]></Content>
//	  <FuncFlag>0</FuncFlag>
//	</xml>
package wechat
